package bundletree_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/fs/bundletree"
	"github.com/tweag/update-launcher/integrity"
	"github.com/tweag/update-launcher/launcher"
)

func TestInsert(t *testing.T) {
	tree := bundletree.NewTree()
	leaf := bundletree.Leaf{Key: "a"}

	require.NoError(t, tree.Insert("assets/fonts/a.ttf", leaf))
	require.NoError(t, tree.Insert("assets/b.png", leaf))

	for _, p := range []string{"", "/abs", "a//b", "a/./b", "../x", "a/\x00"} {
		err := tree.Insert(p, leaf)
		assert.Truef(t, errors.Is(err, errors.NotValid), "path %q: %v", p, err)
	}

	assert.ErrorIs(t, tree.Insert("assets/b.png", leaf), bundletree.ErrPathConflict)
	assert.ErrorIs(t, tree.Insert("assets/b.png/c", leaf), bundletree.ErrPathConflict)

	node, ok := tree.Lookup("assets/fonts")
	require.True(t, ok)
	assert.IsType(t, &bundletree.Directory{}, node)
	node, ok = tree.Lookup("assets/fonts/a.ttf")
	require.True(t, ok)
	assert.IsType(t, &bundletree.Leaf{}, node)
	_, ok = tree.Lookup("assets/b.png/c")
	assert.False(t, ok)

	assert.Len(t, tree.Leaves(), 2)
}

func writeAsset(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func testResult(t *testing.T) launcher.Result {
	dir := t.TempDir()
	bundle := writeAsset(t, dir, "bundle", "console.log('hi')")
	return launcher.Result{
		LaunchedUpdate:  api.UpdateRecord{ID: uuid.MustParse("8c263f9b-2de5-4a5b-9a3c-7b2cbbd5b3a0"), ScopeKey: "@test/app"},
		LaunchAssetFile: bundle,
		LocalAssetFiles: map[string]string{
			"bundle.js":        bundle,
			"assets/logo.png":  writeAsset(t, dir, "logo", "png"),
			"assets/logo2.png": writeAsset(t, dir, "logo2", "png"),
			"/invalid":         writeAsset(t, dir, "invalid", "x"),
		},
	}
}

func TestDefaultView(t *testing.T) {
	result := testResult(t)
	view, ok := bundletree.ViewFromString("default")
	require.True(t, ok)

	tree, err := view.Tree(result, integrity.SHA256)
	require.NoError(t, err)

	node, ok := tree.Lookup("bundle.js")
	require.True(t, ok)
	leaf := node.(*bundletree.Leaf)
	assert.Equal(t, result.LaunchAssetFile, leaf.Path)
	assert.EqualValues(t, len("console.log('hi')"), leaf.Size)
	expected, err := integrity.CalculateDigest(strings.NewReader("console.log('hi')"), integrity.SHA256)
	require.NoError(t, err)
	assert.Equal(t, expected.Hex(integrity.SHA256), leaf.Checksum.Hex())

	_, ok = tree.Lookup("assets/logo.png")
	assert.True(t, ok)
	_, ok = tree.Lookup("invalid")
	assert.False(t, ok)

	node, ok = tree.Lookup(bundletree.MetadataPath)
	require.True(t, ok)
	var decoded launcher.Result
	require.NoError(t, json.Unmarshal(node.(*bundletree.Leaf).Content, &decoded))
	assert.Equal(t, result.LaunchedUpdate.ID, decoded.LaunchedUpdate.ID)
	assert.Len(t, decoded.LocalAssetFiles, 4)
}

func TestCASView(t *testing.T) {
	view, ok := bundletree.ViewFromString("cas")
	require.True(t, ok)
	tree, err := view.Tree(testResult(t), integrity.SHA256)
	require.NoError(t, err)

	// logo.png and logo2.png share their contents
	assert.Len(t, tree.Leaves(), 4)
	for _, leaf := range tree.Leaves() {
		if leaf.Content != nil {
			continue
		}
		hex := leaf.Checksum.Hex()
		_, ok := tree.Lookup("sha256/" + hex[:2] + "/" + hex)
		assert.True(t, ok, leaf.Key)
	}
}

func TestViewFromString(t *testing.T) {
	_, ok := bundletree.ViewFromString("flat")
	assert.False(t, ok)
	assert.Equal(t, []string{"cas", "default"}, bundletree.ViewNames())
}
