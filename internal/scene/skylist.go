package scene

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"skymatch/internal/skymatch"
)

// ParseSkyList reads "name value" lines. Blank lines and text after '#'
// are ignored. Duplicates are left for the matcher to reject.
func ParseSkyList(r io.Reader) ([]skymatch.UserSky, error) {
	var out []skymatch.UserSky
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("skylist line %d: want \"name value\", got %q", line, strings.TrimSpace(text))
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("skylist line %d: %w", line, err)
		}
		out = append(out, skymatch.UserSky{Name: fields[0], Sky: v})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadSkyList parses the sky list file at path.
func LoadSkyList(path string) ([]skymatch.UserSky, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSkyList(f)
}
