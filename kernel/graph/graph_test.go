package graph

import (
	"math/rand"
	"testing"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func container(id int, cloneFrom int) *model.ResourceSpec {
	r := &model.ResourceSpec{Id: id, Name: "r", Kind: model.KindContainer, CloneFrom: cloneFrom}
	if cloneFrom == 0 {
		r.BaseImage = "img"
	}
	return r
}

func fleet() *model.Manifest {
	base := container(900, 0)
	base.IsTemplate = true
	tpl := container(901, 900)
	tpl.IsTemplate = true
	ca := container(103, 900)
	portainer := container(950, 901)
	portainer.DependsOn = []int{103}
	portainer.NetworkPeers = []int{951}
	agent := container(951, 901)
	agent.NetworkPeers = []int{950}
	return model.NewManifest([]*model.ResourceSpec{base, tpl, ca, portainer, agent}, nil, nil)
}

func TestBuild_Edges(t *testing.T) {
	g, err := Build(fleet())
	require.NoError(t, err)

	assert.Equal(t, []Edge{
		{From: 950, To: 103, Reason: ReasonExplicitOrder},
		{From: 950, To: 901, Reason: ReasonCloneSource},
		{From: 950, To: 951, Reason: ReasonNetworkPeer},
	}, g.Dependencies(950))
}

func TestWaves_Fleet(t *testing.T) {
	g, err := Build(fleet())
	require.NoError(t, err)

	waves, err := g.Waves([]int{950})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{900}, {103, 901}, {950, 951}}, waves)
}

func TestWaves_BaseTemplateConsumer(t *testing.T) {
	b := container(1, 0)
	b.IsTemplate = true
	tpl := container(2, 1)
	tpl.IsTemplate = true
	c := container(3, 2)
	g, err := Build(model.NewManifest([]*model.ResourceSpec{c, tpl, b}, nil, nil))
	require.NoError(t, err)

	waves, err := g.Waves([]int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {2}, {3}}, waves)
}

func TestWaves_PeerCanShareOrPrecede(t *testing.T) {
	a := container(1, 0)
	b := container(2, 0)
	b.DependsOn = []int{3}
	c := container(3, 0)
	a.NetworkPeers = []int{2}
	g, err := Build(model.NewManifest([]*model.ResourceSpec{a, b, c}, nil, nil))
	require.NoError(t, err)

	waves, err := g.Waves([]int{1})
	require.NoError(t, err)
	// 1 peers with 2, which must follow 3; the peer edge lets 1 join 2's wave.
	assert.Equal(t, [][]int{{3}, {1, 2}}, waves)
}

func TestWaves_UnknownId(t *testing.T) {
	g, err := Build(fleet())
	require.NoError(t, err)

	_, err = g.Waves([]int{4242})
	assert.Error(t, err)
}

func TestBuild_UnknownReference(t *testing.T) {
	r := container(1, 0)
	r.DependsOn = []int{2}
	_, err := Build(model.NewManifest([]*model.ResourceSpec{r}, nil, nil))
	assert.Error(t, err)
}

func TestBuild_CloneCycle(t *testing.T) {
	// a template transitively cloning from itself
	tpl := container(10, 30)
	tpl.IsTemplate = true
	mid := container(20, 10)
	mid.IsTemplate = true
	leaf := container(30, 20)
	m := model.NewManifest([]*model.ResourceSpec{leaf, mid, tpl}, nil, nil)

	var first *CycleError
	for i := 0; i < 5; i++ {
		_, err := Build(m)
		var cycle *CycleError
		require.True(t, errors.As(err, &cycle), "expected CycleError, got %v", err)
		assert.Equal(t, []int{10, 30, 20, 10}, cycle.Path)
		if first == nil {
			first = cycle
		}
		assert.Equal(t, first.Error(), cycle.Error())
	}
	assert.Equal(t, "dependency cycle: 10 -> 30 -> 20 -> 10", first.Error())
}

func TestBuild_MixedCycleWithHardEdge(t *testing.T) {
	a := container(1, 0)
	a.DependsOn = []int{2}
	b := container(2, 0)
	b.NetworkPeers = []int{1}
	_, err := Build(model.NewManifest([]*model.ResourceSpec{a, b}, nil, nil))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []int{1, 2, 1}, cycle.Path)
}

func TestBuild_SelfDependency(t *testing.T) {
	a := container(1, 0)
	a.DependsOn = []int{1}
	_, err := Build(model.NewManifest([]*model.ResourceSpec{a}, nil, nil))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []int{1, 1}, cycle.Path)
}

func TestBuild_PeerOnlyCycleIsLegal(t *testing.T) {
	_, err := Build(fleet())
	assert.NoError(t, err)
}

// Random acyclic manifests: every edge respects wave ordering, hard edges strictly.
func TestWaves_RespectEveryEdge(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(25)
		var resources []*model.ResourceSpec
		for id := 1; id <= n; id++ {
			cloneFrom := 0
			if id > 1 && rng.Intn(2) == 0 {
				cloneFrom = 1 + rng.Intn(id-1)
			}
			r := container(id, cloneFrom)
			for k := 0; k < 2 && id > 1; k++ {
				dep := 1 + rng.Intn(id-1)
				switch rng.Intn(3) {
				case 0:
					r.DependsOn = append(r.DependsOn, dep)
				case 1:
					r.NetworkPeers = append(r.NetworkPeers, dep)
				}
			}
			resources = append(resources, r)
		}
		m := model.NewManifest(resources, nil, nil)
		g, err := Build(m)
		require.NoError(t, err)
		waves, err := g.Waves(m.Ids())
		require.NoError(t, err)

		waveOf := map[int]int{}
		total := 0
		for i, wave := range waves {
			for _, id := range wave {
				waveOf[id] = i
				total++
			}
		}
		assert.Equal(t, n, total)
		for _, e := range g.Edges() {
			if e.Reason.Hard() {
				assert.Less(t, waveOf[e.To], waveOf[e.From], "edge %s", e)
			} else {
				assert.LessOrEqual(t, waveOf[e.To], waveOf[e.From], "edge %s", e)
			}
		}
	}
}

func TestSatisfied(t *testing.T) {
	tpl := &model.ResourceSpec{Id: 1, IsTemplate: true}
	plain := &model.ResourceSpec{Id: 2}

	assert.False(t, Satisfied(tpl, nil))
	assert.False(t, Satisfied(tpl, &model.ResourceState{State: model.Healthy}))
	assert.False(t, Satisfied(tpl, &model.ResourceState{State: model.Snapshotted}))
	assert.True(t, Satisfied(tpl, &model.ResourceState{State: model.Snapshotted, Template: true}))

	assert.True(t, Satisfied(plain, &model.ResourceState{State: model.Healthy}))
	assert.True(t, Satisfied(plain, &model.ResourceState{State: model.Snapshotted}))
	assert.False(t, Satisfied(plain, &model.ResourceState{State: model.Running}))
	assert.False(t, Satisfied(plain, &model.ResourceState{State: model.Failed, Reached: model.Healthy}))
}
