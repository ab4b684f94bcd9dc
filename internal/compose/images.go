package compose

import "gopkg.in/yaml.v3"

// ExtractImages returns every non-empty string value under a key named
// "image", in document order, duplicates included. Anchored content is
// counted wherever an alias uses it. Non-string image values are skipped
// without descending into them.
func ExtractImages(doc *Document) []string {
	var images []string
	collectImages(doc.node, make(map[*yaml.Node]bool), &images)
	return images
}

// ExtractImagesFromBytes parses data and extracts its image references.
func ExtractImagesFromBytes(data []byte) ([]string, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return ExtractImages(doc), nil
}

// active guards against alias cycles on the current path only, so the same
// anchor used twice is counted twice.
func collectImages(n *yaml.Node, active map[*yaml.Node]bool, out *[]string) {
	if n == nil || active[n] {
		return
	}
	active[n] = true
	defer delete(active, n)

	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			collectImages(c, active, out)
		}
	case yaml.AliasNode:
		collectImages(n.Alias, active, out)
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := resolve(n.Content[i]), n.Content[i+1]
			if isString(key) && key.Value == "image" {
				if v := resolve(val); isString(v) && v.Value != "" {
					*out = append(*out, v.Value)
				}
				continue
			}
			collectImages(val, active, out)
		}
	}
}
