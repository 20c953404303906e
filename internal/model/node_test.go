package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *Node {
	return Attach(New(KindSimulations, "Simulations").Add(
		New(KindSimulation, "Sim1").WithProps(map[string]any{"steps": 3}).Add(
			New(KindZone, "Field").WithProps(map[string]any{"area": 1.0}).Add(
				New(KindComponent, "Soil").WithProps(map[string]any{
					"water":  0.25,
					"layers": []any{map[string]any{"depth": 100}, map[string]any{"depth": 300}},
				}),
				New(KindComponent, "Fertiliser").WithProps(map[string]any{"amount": 10}),
			),
		),
		New(KindFolder, "Folder").Add(
			New(KindSimulation, "Sim2"),
		),
	))
}

func TestNode_Navigation(t *testing.T) {
	root := sampleTree()

	soil := root.FindByName("Soil")
	require.NotNil(t, soil)
	assert.Equal(t, ".Simulations.Sim1.Field.Soil", soil.FullPath())
	assert.Equal(t, root, soil.Root())
	assert.Equal(t, "Sim1", soil.Ancestor(KindSimulation).Name)
	assert.Len(t, soil.Ancestors(), 3)

	sims := root.FindAll(KindSimulation)
	require.Len(t, sims, 2)
	assert.Equal(t, "Sim1", sims[0].Name)
	assert.Equal(t, "Sim2", sims[1].Name)
}

func TestNode_CloneIsDeep(t *testing.T) {
	root := sampleTree()
	sim := root.Child("Sim1")
	clone := sim.Clone()

	assert.Nil(t, clone.Parent())
	require.NoError(t, clone.Set("Field.Soil.layers[0].depth", 5))

	depth, err := sim.Get("Field.Soil.layers[0].depth")
	require.NoError(t, err)
	assert.Equal(t, 100, depth)

	clone.Child("Field").Children = nil
	assert.Len(t, sim.Child("Field").Children, 2)
}

func TestNode_ReplaceKeepsOrder(t *testing.T) {
	root := sampleTree()
	field := root.FindByName("Field")
	old := field.Child("Soil")
	repl := New(KindComponent, "Soil").WithProps(map[string]any{"water": 0.5})

	require.NoError(t, field.Replace(old, repl))
	assert.Equal(t, repl, field.Children[0])
	assert.Equal(t, field, repl.Parent())
	assert.Nil(t, old.Parent())

	assert.ErrorIs(t, field.Replace(old, repl), ErrNotChild)
}

func TestNode_PathResolution(t *testing.T) {
	root := sampleTree()
	sim := root.Child("Sim1")

	v, err := sim.Get("Field.Soil.water")
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)

	v, err = sim.Get("[Fertiliser].amount")
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	v, err = sim.Get(".Simulations.Sim1.Field.area")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	n, err := sim.Find("Field.Soil")
	require.NoError(t, err)
	assert.Equal(t, "Soil", n.Name)

	_, err = sim.Find("Field.Nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sim.Get("Field.Soil.missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sim.Get("[Nope].x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sim.Get("Field.Soil")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNode_SetChecksTypes(t *testing.T) {
	sim := sampleTree().Child("Sim1")

	require.NoError(t, sim.Set("Field.Fertiliser.amount", 12.5))
	v, _ := sim.Get("Field.Fertiliser.amount")
	assert.Equal(t, 12.5, v)

	assert.ErrorIs(t, sim.Set("Field.Fertiliser.amount", "lots"), ErrTypeMismatch)
	assert.ErrorIs(t, sim.Set("Field.Fertiliser.rate", 1), ErrNotFound)
}

func TestSplitPath(t *testing.T) {
	segs, err := splitPath("[Field].Soil.layers[0].depth")
	require.NoError(t, err)
	assert.Equal(t, []string{"[Field]", "Soil", "layers[0]", "depth"}, segs)

	for _, bad := range []string{"", ".", "a..b", "a[0", "a]"} {
		_, err := splitPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestOnCreatedRunsOncePerNode(t *testing.T) {
	const kind Kind = "counter-test"
	calls := map[*Node]int{}
	OnCreated(kind, func(n *Node) { calls[n]++ })

	a := New(kind, "a")
	parent := New(KindFolder, "p")
	parent.Add(a)
	Attach(parent)
	other := New(KindFolder, "q")
	other.Add(a)

	assert.Equal(t, 1, calls[a])
	assert.Equal(t, other, a.Parent())
	assert.Empty(t, parent.Children)

	c := a.Clone()
	other.Add(c)
	assert.Equal(t, 1, calls[c])
}

func TestSnapshotRoundTrip(t *testing.T) {
	root := sampleTree()
	root.Child("Folder").Disabled = true

	back := FromSnapshot(root.Snapshot())
	assert.Equal(t, root.Snapshot(), back.Snapshot())
	assert.True(t, back.Child("Folder").Disabled)
	assert.False(t, back.Initializing())
	assert.Equal(t, back, back.FindByName("Soil").Root())
}

func TestInitializingFlag(t *testing.T) {
	root := New(KindSimulations, "S")
	root.SetInitializing(true)
	go func() {
		time.Sleep(10 * time.Millisecond)
		root.SetInitializing(false)
	}()
	assert.Eventually(t, func() bool { return !root.Initializing() }, time.Second, time.Millisecond)
}
