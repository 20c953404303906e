package override

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sim-engine/internal/model"
)

func tree() *model.Node {
	return model.Attach(model.New(model.KindSimulations, "Simulations").Add(
		model.New(model.KindReplacements, "Replacements").Add(
			model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{"maturity": 120}),
		),
		model.New(model.KindFolder, "Trials").Add(
			model.New(model.KindReplacements, "Local").Add(
				model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{"maturity": 95}),
			),
			model.New(model.KindSimulation, "Base").Add(
				model.New(model.KindComponent, "Weather").WithProps(map[string]any{"rain": 500.0}),
				model.New(model.KindZone, "North").Add(
					model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{"maturity": 100}),
					model.New(model.KindComponent, "Fertiliser").WithProps(map[string]any{"amount": 10}),
				),
				model.New(model.KindZone, "South").Add(
					model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{"maturity": 100}),
					model.New(model.KindComponent, "Fertiliser").WithProps(map[string]any{"amount": 10}),
				),
			),
		),
	))
}

func TestPropertyReplacementRepeatsAcrossZones(t *testing.T) {
	sim := tree().FindByName("Base").Clone()

	require.NoError(t, (&PropertyReplacement{Path: "Fertiliser.amount", Value: 40}).Apply(sim))

	for _, zone := range []string{"North", "South"} {
		v, err := sim.Get(zone + ".Fertiliser.amount")
		require.NoError(t, err)
		assert.Equal(t, 40, v, zone)
	}
}

func TestPropertyReplacementErrors(t *testing.T) {
	sim := tree().FindByName("Base").Clone()

	err := (&PropertyReplacement{Path: "Irrigation.amount", Value: 1}).Apply(sim)
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = (&PropertyReplacement{Path: "Weather.rain", Value: "wet"}).Apply(sim)
	assert.ErrorIs(t, err, model.ErrTypeMismatch)

	assert.NoError(t, (&PropertyReplacement{Path: "Weather.rain", Value: 1}).Check(sim))
	assert.Error(t, (&PropertyReplacement{Path: "Weather.snow", Value: 1}).Check(sim))
}

func TestModelReplacementByName(t *testing.T) {
	root := tree()
	source := model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{"maturity": 80})
	sim := root.FindByName("Base").Clone()

	require.NoError(t, (&ModelReplacement{Replacement: source}).Apply(sim))
	for _, zone := range []string{"North", "South"} {
		v, err := sim.Get(zone + ".Cultivar.maturity")
		require.NoError(t, err)
		assert.Equal(t, 80, v)
	}

	missing := &ModelReplacement{Replacement: model.New(model.KindComponent, "Irrigation")}
	assert.ErrorIs(t, missing.Apply(sim), ErrNoMatch)
	missing.Optional = true
	assert.NoError(t, missing.Apply(sim))
}

func TestModelReplacementByPath(t *testing.T) {
	sim := tree().FindByName("Base").Clone()
	source := model.New(model.KindComponent, "Anything").WithProps(map[string]any{"maturity": 70})

	require.NoError(t, (&ModelReplacement{Path: "North.Cultivar", Replacement: source}).Apply(sim))

	north, _ := sim.Get("North.Cultivar.maturity")
	south, _ := sim.Get("South.Cultivar.maturity")
	assert.Equal(t, 70, north)
	assert.Equal(t, 100, south)
	assert.NotNil(t, sim.FindByName("North").Child("Cultivar"))

	err := (&ModelReplacement{Path: "East.Cultivar", Replacement: source}).Check(sim)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestAmbientOrderOutermostFirst(t *testing.T) {
	root := tree()
	base := root.FindByName("Base")

	ambient := Ambient(base)
	require.Len(t, ambient, 2)

	sim := base.Clone()
	require.NoError(t, Apply(sim, ambient))
	v, _ := sim.Get("North.Cultivar.maturity")
	assert.Equal(t, 95, v, "nearest container is applied last")

	root.FindByName("Local").Disabled = true
	assert.Len(t, Ambient(base), 1)
}

func TestApplyLaterOverridesWin(t *testing.T) {
	sim := tree().FindByName("Base").Clone()
	require.NoError(t, Apply(sim, []Override{
		&PropertyReplacement{Path: "Weather.rain", Value: 100.0},
		&PropertyReplacement{Path: "Weather.rain", Value: 200.0},
	}))
	v, _ := sim.Get("Weather.rain")
	assert.Equal(t, 200.0, v)
}

func TestModelReplacementSourceIsolation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("materialized clones never share replacement state", prop.ForAll(
		func(initial, mutated int) bool {
			base := tree().FindByName("Base")
			source := model.New(model.KindComponent, "Cultivar").WithProps(map[string]any{
				"maturity": initial,
				"traits":   map[string]any{"height": initial},
			})
			r := &ModelReplacement{Replacement: source}

			a, b := base.Clone(), base.Clone()
			if r.Apply(a) != nil || r.Apply(b) != nil {
				return false
			}
			if a.Set("North.Cultivar.traits.height", mutated) != nil {
				return false
			}
			if a.Set("South.Cultivar.maturity", mutated) != nil {
				return false
			}

			bh, _ := b.Get("North.Cultivar.traits.height")
			bm, _ := b.Get("South.Cultivar.maturity")
			sh, _ := source.Get("traits.height")
			return bh == initial && bm == initial && sh == initial && source.Parent() == nil
		},
		gen.IntRange(1, 200),
		gen.IntRange(201, 400),
	))

	properties.TestingRun(t)
}

func TestPropertyReplacementValueIsCopiedPerSite(t *testing.T) {
	base := model.Attach(model.New(model.KindSimulation, "Base").Add(
		model.New(model.KindComponent, "Soil").WithProps(map[string]any{"layers": []any{0, 0}}),
	))
	layers := &PropertyReplacement{Path: "Soil.layers", Value: []any{1, 2}}

	a, b := base.Clone(), base.Clone()
	require.NoError(t, Apply(a, []Override{layers, &PropertyReplacement{Path: "Soil.layers[0]", Value: 9}}))
	require.NoError(t, layers.Apply(b))

	assert.Equal(t, []any{1, 2}, layers.Value)
	v, err := a.Get("Soil.layers[0]")
	require.NoError(t, err)
	assert.Equal(t, 9, v)
	v, err = b.Get("Soil.layers[0]")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// writes into a clone never reach the override
	require.NoError(t, b.Set("Soil.layers[1]", 7))
	assert.Equal(t, []any{1, 2}, layers.Value)
}
