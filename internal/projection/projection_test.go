package projection_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
)

func initial() models.DeviceState {
	return models.DeviceState{Power: true, Temperature: 25, FanLevel: models.FanMedium, Mode: models.ModeCool}
}

func setTemp(t int) projection.Mutation {
	return func(s *models.DeviceState) { s.Temperature = t }
}

func TestOptimisticOverlay(t *testing.T) {
	p := projection.New(initial())
	id := uuid.New()

	require.True(t, p.Apply(projection.Write{Source: projection.SourceOptimistic, Mutate: setTemp(26), RequestID: id}))

	v := p.Snapshot()
	assert.Equal(t, 26, v.State.Temperature)
	assert.True(t, v.Pending)
	assert.Equal(t, "optimistic", v.Source)
	assert.Equal(t, 25, p.Confirmed().Temperature)

	assert.False(t, p.Discard(uuid.New()), "another request's discard must not remove the overlay")
	assert.True(t, p.Discard(id))
	assert.Equal(t, 25, p.State().Temperature)
	assert.False(t, p.Snapshot().Pending)
}

func TestPollOverwritesEverything(t *testing.T) {
	p := projection.New(initial())
	p.Apply(projection.Write{Source: projection.SourceOptimistic, Mutate: setTemp(26), RequestID: uuid.New()})
	p.Apply(projection.Write{Source: projection.SourceForeign, Mutate: func(s *models.DeviceState) { s.Mode = models.ModeHeat }})

	polled := models.DeviceState{Power: false, Temperature: 20, FanLevel: models.FanLow, Mode: models.ModeCool}
	require.True(t, p.Apply(projection.Write{Source: projection.SourcePoll, State: &polled}))

	v := p.Snapshot()
	assert.Equal(t, polled, v.State)
	assert.True(t, v.Synced)
	assert.False(t, v.Pending)
	assert.Equal(t, "poll", v.Source)
}

func TestHigherRankedWriteClearsOverlay(t *testing.T) {
	for _, src := range []projection.Source{projection.SourceConfirmed, projection.SourceForeign} {
		t.Run(src.String(), func(t *testing.T) {
			p := projection.New(initial())
			p.Apply(projection.Write{Source: projection.SourceOptimistic, Mutate: setTemp(26), RequestID: uuid.New()})
			p.Apply(projection.Write{Source: src, Mutate: func(s *models.DeviceState) { s.FanLevel = models.FanHigh }})

			v := p.Snapshot()
			assert.False(t, v.Pending)
			assert.Equal(t, 25, v.State.Temperature)
			assert.Equal(t, models.FanHigh, v.State.FanLevel)
			assert.Equal(t, src.String(), v.Source)
		})
	}
}

func TestRejectsMalformedWrites(t *testing.T) {
	p := projection.New(initial())

	assert.False(t, p.Apply(projection.Write{Source: projection.SourcePoll}))
	assert.False(t, p.Apply(projection.Write{Source: projection.SourceForeign}))
	assert.False(t, p.Apply(projection.Write{Source: projection.SourceOptimistic}))
	assert.False(t, p.Apply(projection.Write{Source: projection.SourceNone, Mutate: setTemp(1)}))
	assert.Zero(t, p.Snapshot().Version)
}

func TestSubscribeNotifiesUntilRemoved(t *testing.T) {
	p := projection.New(initial())

	var versions []uint64
	unsubscribe := p.Subscribe(func(v projection.View) { versions = append(versions, v.Version) })

	p.Apply(projection.Write{Source: projection.SourceConfirmed, Mutate: setTemp(24)})
	p.Apply(projection.Write{Source: projection.SourceConfirmed, Mutate: setTemp(23)})
	unsubscribe()
	p.Apply(projection.Write{Source: projection.SourceConfirmed, Mutate: setTemp(22)})

	assert.Equal(t, []uint64{1, 2}, versions)
	assert.Equal(t, 22, p.State().Temperature)
}

func TestApplyIfBaseRefusesStaleWrites(t *testing.T) {
	p := projection.New(initial())

	_, version := p.Base()
	optimistic := projection.Write{Source: projection.SourceOptimistic, Mutate: setTemp(26), RequestID: uuid.New()}
	require.True(t, p.Apply(optimistic))

	// an overlay does not move the base
	_, after := p.Base()
	assert.Equal(t, version, after)

	polled := initial()
	polled.Temperature = 26
	require.True(t, p.Apply(projection.Write{Source: projection.SourcePoll, State: &polled}))

	confirmed := projection.Write{Source: projection.SourceConfirmed, Mutate: setTemp(27)}
	assert.False(t, p.ApplyIfBase(confirmed, version))
	assert.Equal(t, 26, p.State().Temperature)

	_, current := p.Base()
	assert.Greater(t, current, version)
	assert.True(t, p.ApplyIfBase(confirmed, current))
	assert.Equal(t, 27, p.State().Temperature)
}

func TestListenersSeeVersionsInOrder(t *testing.T) {
	p := projection.New(initial())

	var mu sync.Mutex
	var versions []uint64
	p.Subscribe(func(v projection.View) {
		mu.Lock()
		versions = append(versions, v.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				state := initial()
				state.Temperature = 18 + (i+j)%12
				p.Apply(projection.Write{Source: projection.SourcePoll, State: &state})
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, versions, 400)
	for i := 1; i < len(versions); i++ {
		require.Less(t, versions[i-1], versions[i])
	}
}
