package slots_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/sonzai/livepk/src/app/slots"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/shared"
)

func TestTable_Claim(t *testing.T) {
	inv := slots.InvitationHolder("inv-1")
	other := slots.InvitationHolder("inv-2")

	tests := []struct {
		name    string
		setup   func(tb *slots.Table)
		holder  slots.Holder
		wantErr bool
	}{
		{name: "free streams", holder: inv},
		{name: "same holder reclaims", setup: func(tb *slots.Table) { _ = tb.Claim(inv, "a", "b") }, holder: inv},
		{name: "overlap on one stream", setup: func(tb *slots.Table) { _ = tb.Claim(other, "b", "c") }, holder: inv, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := slots.NewTable()
			if tt.setup != nil {
				tt.setup(tb)
			}
			err := tb.Claim(tt.holder, "a", "b")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Claim() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var conflict *slots.ConflictError
				require.True(t, errors.As(err, &conflict))
				assert.Equal(t, other, conflict.Holder)
				assert.ErrorIs(t, err, slots.ErrOccupied)
				_, held := tb.HolderOf("a")
				assert.False(t, held, "failed claim must not take any stream")
			}
		})
	}
}

func TestTable_TransferAndRelease(t *testing.T) {
	tb := slots.NewTable()
	inv := slots.InvitationHolder("inv-1")
	bt := slots.BattleHolder("b-1")

	require.NoError(t, tb.Claim(inv, "a", "b"))
	require.NoError(t, tb.Transfer(inv, bt, "a", "b"))

	h, ok := tb.HolderOf("a")
	require.True(t, ok)
	assert.True(t, h.IsBattle())

	assert.Equal(t, 0, tb.Release(inv, "a", "b"), "stale holder must not free a transferred slot")
	assert.Equal(t, 2, tb.Release(bt, "a", "b"))
	assert.Equal(t, 0, tb.Len())
}

func TestTable_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	tb := slots.NewTable()
	const n = 64
	wins := atomic.NewInt32(0)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := slots.InvitationHolder(shared.InvitationID(fmt.Sprintf("inv-%d", i)))
			if tb.Claim(holder, "stream-a", "stream-b") == nil {
				wins.Inc()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestTable_LockSerializesOverlappingPairs(t *testing.T) {
	tb := slots.NewTable()
	inside := atomic.NewInt32(0)
	maxInside := atomic.NewInt32(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := tb.Lock("a", "b")
			defer unlock()
			if v := inside.Inc(); v > maxInside.Load() {
				maxInside.Store(v)
			}
			inside.Dec()
		}()
		go func() {
			defer wg.Done()
			unlock := tb.Lock("b", "a")
			defer unlock()
			if v := inside.Inc(); v > maxInside.Load() {
				maxInside.Store(v)
			}
			inside.Dec()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestTranslate(t *testing.T) {
	tb := slots.NewTable()
	require.NoError(t, tb.Claim(slots.BattleHolder("b-1"), "a"))
	require.NoError(t, tb.Claim(slots.InvitationHolder("inv-1"), "b"))

	err := slots.Translate(tb.Claim(slots.InvitationHolder("inv-2"), "a"))
	assert.ErrorIs(t, err, battle.ErrDuplicateActiveBattle)

	err = slots.Translate(tb.Claim(slots.InvitationHolder("inv-2"), "b"))
	assert.ErrorIs(t, err, invitation.ErrDuplicatePendingInvite)

	plain := errors.New("boom")
	assert.Equal(t, plain, slots.Translate(plain))
}
