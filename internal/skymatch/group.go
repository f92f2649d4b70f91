package skymatch

import "fmt"

// Group is a set of images sharing one sky value.
type Group struct {
	Key    string
	Index  int
	Images []*Image
}

// Partition is the grouping of one run.
type Partition struct {
	Groups []Group
	// GroupIndex maps an image name to the index of its group.
	GroupIndex map[string]int
}

// ResolveGroups partitions images by their Group id. Groups appear in the
// order their key is first seen in the input slice, not by Index, and
// images keep their input order within a group. An image without a group
// id gets a group of its own keyed by its index and name.
func ResolveGroups(images []*Image) Partition {
	p := Partition{GroupIndex: make(map[string]int, len(images))}
	byKey := make(map[string]int)
	for _, im := range images {
		key := im.Group
		if key == "" {
			key = singletonKey(im)
		}
		gi, ok := byKey[key]
		if !ok {
			gi = len(p.Groups)
			byKey[key] = gi
			p.Groups = append(p.Groups, Group{Key: key, Index: gi})
		}
		p.Groups[gi].Images = append(p.Groups[gi].Images, im)
		p.GroupIndex[im.Name] = gi
	}
	return p
}

func singletonKey(im *Image) string {
	return fmt.Sprintf("#%d:%s", im.Index, im.Name)
}
