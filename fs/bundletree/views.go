package bundletree

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"text/template"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/internal/logging"
	"github.com/tweag/update-launcher/launcher"
)

var logger = logging.Child("bundletree")

// MetadataPath is the in-memory leaf describing the launched update.
const MetadataPath = ".update-launcher/update.json"

// View describes a view onto a launched update.
type View struct {
	name          string
	treeGenerator func([]*Leaf) (Tree, error)
}

func (v View) String() string { return v.name }

func ViewFromString(name string) (View, bool) {
	v, ok := knownViews[name]
	return v, ok
}

// ViewNames lists the known views, sorted.
func ViewNames() []string {
	return slices.Sorted(maps.Keys(knownViews))
}

// Tree hashes the materialized assets of result and arranges them.
func (v View) Tree(result launcher.Result, algorithm integrity.Algorithm) (Tree, error) {
	leaves := make([]*Leaf, 0, len(result.LocalAssetFiles))
	for _, key := range slices.Sorted(maps.Keys(result.LocalAssetFiles)) {
		leaf, err := LeafFromFile(key, result.LocalAssetFiles[key], algorithm)
		if err != nil {
			return Tree{}, errors.Annotatef(err, "asset %q", key)
		}
		leaves = append(leaves, &leaf)
	}
	tree, err := v.treeGenerator(leaves)
	if err != nil {
		return Tree{}, err
	}

	metadata, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return Tree{}, errors.Trace(err)
	}
	metadataLeaf, err := LeafFromContent(MetadataPath, append(metadata, '\n'), algorithm)
	if err != nil {
		return Tree{}, err
	}
	if err := tree.Insert(MetadataPath, metadataLeaf); err != nil {
		return Tree{}, errors.Annotate(err, "inserting update metadata")
	}
	return tree, nil
}

// keyTreeView places every asset at its key.
func keyTreeView(leaves []*Leaf) (Tree, error) {
	tree := NewTree()
	for _, leaf := range leaves {
		if strings.HasPrefix(leaf.Key, ".update-launcher/") {
			logger.Warningf("asset key %q shadows update metadata, skipping", leaf.Key)
			continue
		}
		if err := tree.Insert(leaf.Key, *leaf); err != nil {
			if errors.Is(err, errors.NotValid) {
				logger.Warningf("asset key %q is not usable as a path, skipping", leaf.Key)
				continue
			}
			return Tree{}, errors.Annotatef(err, "inserting %q", leaf.Key)
		}
	}
	return tree, nil
}

// casView places every distinct content once, at a path derived from its hash.
func casView(templateStr string) func([]*Leaf) (Tree, error) {
	tpl := template.Must(template.New("casView").Parse(templateStr))
	return func(leaves []*Leaf) (Tree, error) {
		tree := NewTree()
		for _, leaf := range leaves {
			var pathBuilder strings.Builder
			if err := tpl.Execute(&pathBuilder, casViewTemplateData{
				Algorithm: leaf.Checksum.Algorithm.String(),
				DigestHex: leaf.Checksum.Hex(),
			}); err != nil {
				return Tree{}, errors.Trace(err)
			}
			err := tree.Insert(pathBuilder.String(), *leaf)
			if errors.Is(err, ErrPathConflict) {
				// same content under another key
				continue
			} else if err != nil {
				return Tree{}, errors.Annotatef(err, "inserting cas entry %s", pathBuilder.String())
			}
		}
		return tree, nil
	}
}

type casViewTemplateData struct {
	Algorithm string
	DigestHex string
}

var knownViews = map[string]View{
	"default": {name: "default", treeGenerator: keyTreeView},
	"cas":     {name: "cas", treeGenerator: casView(`{{ .Algorithm }}/{{ printf "%.2s" .DigestHex }}/{{ .DigestHex }}`)},
}
