package skymatch

import "math"

// runUser assigns the configured per-image sky values. Every image needs
// exactly one value and every value must name an image.
func (m *Matcher) runUser(imgs []*Image) (*Result, error) {
	values := make(map[string]float64, len(m.cfg.UserSky))
	for i, u := range m.cfg.UserSky {
		if _, dup := values[u.Name]; dup {
			return nil, configErr("skylist", "duplicate entry %d for %q", i+1, u.Name)
		}
		if math.IsNaN(u.Sky) || math.IsInf(u.Sky, 0) {
			return nil, configErr("skylist", "non-finite sky value for %q", u.Name)
		}
		values[u.Name] = u.Sky
	}
	known := make(map[string]bool, len(imgs))
	for _, im := range imgs {
		known[im.Name] = true
		if _, ok := values[im.Name]; !ok {
			return nil, configErr("skylist", "no sky value for image %q", im.Name)
		}
	}
	for _, u := range m.cfg.UserSky {
		if !known[u.Name] {
			return nil, configErr("skylist", "sky value for unknown image %q", u.Name)
		}
	}

	part := ResolveGroups(imgs)
	res := &Result{Method: User}
	for gi, g := range part.Groups {
		gs := GroupSky{Key: g.Key, Index: gi}
		for _, im := range g.Images {
			gs.Images = append(gs.Images, im.Name)
		}
		// Group members may carry different user values; the group row
		// reports the first.
		gs.Sky = values[g.Images[0].Name]
		res.Groups = append(res.Groups, gs)
	}
	for _, im := range imgs {
		res.Images = append(res.Images, ImageSky{
			Name:     im.Name,
			Index:    im.Index,
			Group:    part.Groups[part.GroupIndex[im.Name]].Key,
			Sky:      values[im.Name],
			Method:   User,
			Subtract: m.cfg.Subtract,
		})
	}
	m.log.Info("user sky values applied", "images", len(imgs))
	return res, nil
}
