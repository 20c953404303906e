package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/sim-engine/internal/job"
	"yqhp/sim-engine/internal/model"
	"yqhp/sim-engine/pkg/types"
)

func sim(name string) *model.Node {
	return model.New(model.KindSimulation, name).Add(
		model.New(model.KindComponent, "Fertiliser").WithProps(map[string]any{"amount": 0}),
		model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{"maturity": 100}),
	)
}

func experiment() *model.Node {
	return model.New(model.KindExperiment, "Exp").WithProps(map[string]any{
		"disabled": []any{"ExpN0CvLate"},
	}).Add(
		sim("Base"),
		model.New(model.KindFactors, "Factors").Add(
			model.New(model.KindFactor, "N").WithProps(map[string]any{
				"path":   "Fertiliser.amount",
				"values": []any{0, 40},
			}),
			model.New(model.KindFactor, "Cv").Add(
				model.New(model.KindLevel, "Early").WithProps(map[string]any{
					"set": map[string]any{"Cultivar.maturity": 90},
				}),
				model.New(model.KindLevel, "Late").Add(
					model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{"maturity": 130}),
				),
			),
		),
	)
}

func names(ds []*job.Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func TestDiscoverWalksTreeInOrder(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "Simulations").Add(
		sim("Sim1"),
		model.New(model.KindFolder, "F").Add(sim("Sim2"), experiment()),
		model.New(model.KindScript, "Post").WithProps(map[string]any{"source": "1"}),
		func() *model.Node { n := sim("Off"); n.Disabled = true; return n }(),
		model.New(model.KindReplacements, "Replacements").Add(sim("NotRun")),
	))

	ds, err := Discover(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Sim1", "Sim2",
		"ExpN0CvEarly", "ExpN40CvEarly", "ExpN40CvLate",
		"Post",
	}, names(ds))

	assert.Equal(t, job.VariantTool, ds[5].Variant)
	assert.Equal(t, "Exp", ds[2].Origin)
	assert.Equal(t, []types.Tag{
		{Key: "Experiment", Value: "Exp"}, {Key: "N", Value: "40"}, {Key: "Cv", Value: "Late"},
	}, ds[4].Tags)
}

func TestExperimentCombinationsMaterialize(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(experiment()))
	ds, err := Discover(context.Background(), root, Names("ExpN40CvLate"))
	require.NoError(t, err)
	require.Len(t, ds, 1)

	node, err := ds[0].Build()
	require.NoError(t, err)
	amount, _ := node.Get("Fertiliser.amount")
	maturity, _ := node.Get("Cultivar.maturity")
	assert.Equal(t, 40, amount)
	assert.Equal(t, 130, maturity)
}

func TestExperimentUnresolvedOverrideFailsDiscovery(t *testing.T) {
	exp := model.New(model.KindExperiment, "Bad").Add(
		sim("Base"),
		model.New(model.KindFactor, "Irr").WithProps(map[string]any{
			"path":   "Irrigation.amount",
			"values": []any{1, 2},
		}),
	)
	root := model.Attach(model.New(model.KindSimulations, "S").Add(exp))

	_, err := Discover(context.Background(), root, nil)
	var de *types.DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Bad", de.Name)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestExperimentStructureErrors(t *testing.T) {
	cases := map[string]*model.Node{
		"no base":    model.New(model.KindExperiment, "E").Add(model.New(model.KindFactor, "F")),
		"no factors": model.New(model.KindExperiment, "E").Add(sim("Base")),
		"no levels":  model.New(model.KindExperiment, "E").Add(sim("Base"), model.New(model.KindFactor, "F")),
	}
	for name, exp := range cases {
		t.Run(name, func(t *testing.T) {
			root := model.Attach(model.New(model.KindSimulations, "S").Add(exp))
			_, err := Discover(context.Background(), root, nil)
			var de *types.DiscoveryError
			assert.ErrorAs(t, err, &de)
		})
	}
}

func TestPlaylistExamples(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(
		sim("Sim1"), sim("Sim2"), sim("Other"), sim("Sim21"),
	))

	p, err := ParsePlaylist("Sim#\n")
	require.NoError(t, err)
	ds, err := Discover(context.Background(), root, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sim1", "Sim2"}, names(ds))

	p, _ = ParsePlaylist("Si#1")
	ds, err = Discover(context.Background(), root, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sim1"}, names(ds))

	p, _ = ParsePlaylist("sim*\n\n  other  ")
	ds, err = Discover(context.Background(), root, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sim1", "Sim2", "Other", "Sim21"}, names(ds))
}

func TestPlaylistStarOverThreeSims(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(sim("Sim1"), sim("Sim2"), sim("Other")))
	p, _ := ParsePlaylist("Sim*")
	ds, err := Discover(context.Background(), root, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sim1", "Sim2"}, names(ds))
}

func TestPlaylistMatchesExperimentChildren(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(sim("Sim1"), experiment()))
	p, _ := ParsePlaylist("exp")
	ds, err := Discover(context.Background(), root, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"ExpN0CvEarly", "ExpN40CvEarly", "ExpN40CvLate"}, names(ds))
}

func TestPlaylistWithoutMatchesIsAnError(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(sim("Sim1")))
	p, _ := ParsePlaylist("Nothing*")
	_, err := Discover(context.Background(), root, p)
	var de *types.DiscoveryError
	assert.ErrorAs(t, err, &de)

	// an empty playlist selects nothing without failing
	empty, _ := ParsePlaylist("\n \n")
	ds, err := Discover(context.Background(), root, empty)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestPlaylistGlobProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z0-9_.()+]{1,12}`).Draw(t, "name")
		p, err := ParsePlaylist(name)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !p.MatchName(name) || !p.MatchName(strings.ToUpper(name)) {
			t.Fatalf("%q does not match itself", name)
		}
		if p.MatchName(name + "x") {
			t.Fatalf("%q matched a longer name", name)
		}

		star, _ := ParsePlaylist(name[:1] + "*")
		if !star.MatchName(name) {
			t.Fatalf("prefix glob failed for %q", name)
		}

		hashes, _ := ParsePlaylist(strings.Repeat("#", len([]rune(name))))
		if !hashes.MatchName(name) || hashes.MatchName(name+"x") {
			t.Fatalf("single-character globs failed for %q", name)
		}
	})
}

func TestLoadPlaylist(t *testing.T) {
	dir := t.TempDir()
	y := filepath.Join(dir, "p.yaml")
	txt := filepath.Join(dir, "p.txt")
	require.NoError(t, os.WriteFile(y, []byte("- Sim1\n- Exp*\n"), 0644))
	require.NoError(t, os.WriteFile(txt, []byte("Sim1\nExp*\n"), 0644))

	a, err := LoadPlaylist(y)
	require.NoError(t, err)
	b, err := LoadPlaylist(txt)
	require.NoError(t, err)
	assert.Equal(t, a.Patterns(), b.Patterns())
}

func TestPlaylistFromTree(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(
		sim("Sim1"),
		model.New(model.KindPlaylist, "Playlist").WithProps(map[string]any{"text": "Sim1"}),
	))
	p, err := PlaylistFromTree(root)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"Sim1"}, p.Patterns())

	root.Child("Playlist").Disabled = true
	p, err = PlaylistFromTree(root)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRegexpFilter(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(sim("Sim1"), sim("Sim2"), sim("Other")))
	f, err := Regexp(`^Sim\d$`)
	require.NoError(t, err)
	ds, err := Discover(context.Background(), root, f)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sim1", "Sim2"}, names(ds))

	_, err = Regexp("(")
	assert.Error(t, err)
}

func TestDuplicateNamesFail(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("two same-named simulations never pass discovery", prop.ForAll(
		func(n, dupAt int) bool {
			root := model.New(model.KindSimulations, "S")
			folder := model.New(model.KindFolder, "F")
			root.Add(folder)
			for i := 0; i < n; i++ {
				folder.Add(sim(fmt.Sprintf("Sim%d", i)))
			}
			root.Add(sim(fmt.Sprintf("Sim%d", dupAt%n)))
			model.Attach(root)

			_, err := Discover(context.Background(), root, nil)
			var de *types.DiscoveryError
			return errors.As(err, &de) && de.Name == fmt.Sprintf("Sim%d", dupAt%n)
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestDiscoverIsDeterministic(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(sim("A"), experiment(), sim("B")))
	first, err := Discover(context.Background(), root, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Discover(context.Background(), root, nil)
		require.NoError(t, err)
		assert.Equal(t, names(first), names(again))
	}
}

func TestDiscoverWaitsForInitialization(t *testing.T) {
	root := model.Attach(model.New(model.KindSimulations, "S").Add(sim("A")))
	root.SetInitializing(true)
	go func() {
		time.Sleep(30 * time.Millisecond)
		root.SetInitializing(false)
	}()

	c := New(Options{InitWait: time.Second, PollInterval: 5 * time.Millisecond})
	ds, err := c.Discover(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestDiscoverInitializationTimeout(t *testing.T) {
	root := model.New(model.KindSimulations, "S")
	root.SetInitializing(true)

	c := New(Options{InitWait: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	_, err := c.Discover(context.Background(), root, nil)
	var de *types.DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "still initializing")
}
