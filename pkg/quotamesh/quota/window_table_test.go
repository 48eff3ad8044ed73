package quota

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgo/quotamesh/pkg/quotamesh/model"
	"github.com/forgo/quotamesh/pkg/quotamesh/window"
)

func newTestWindow(ruleID string) *window.Window {
	key := model.RateLimitWindowKey{RuleID: ruleID}
	rule := model.RateLimitRule{
		RuleID:  ruleID,
		Type:    model.RuleTypeLocal,
		Amounts: []model.Amount{{MaxAmount: 10, ValidDuration: 1000}},
	}
	return window.New(key, rule, []int64{10})
}

func TestWindowTableUnboundedNeverEvicts(t *testing.T) {
	t.Parallel()

	tbl := newWindowTable(0)
	for i := 0; i < 50; i++ {
		evicted := tbl.put(string(rune('a'+i%26))+"-"+string(rune('0'+i/26)), newTestWindow("r"))
		require.Nil(t, evicted)
	}
	require.Len(t, tbl.snapshot(), 50)
}

func TestWindowTableBoundedEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	tbl := newWindowTable(2)
	wA := newTestWindow("a")
	wB := newTestWindow("b")
	wC := newTestWindow("c")

	require.Nil(t, tbl.put("a", wA))
	require.Nil(t, tbl.put("b", wB))

	// touch "a" so "b" becomes least-recently-used
	_, ok := tbl.get("a")
	require.True(t, ok)

	evicted := tbl.put("c", wC)
	require.Same(t, wB, evicted)

	_, ok = tbl.get("b")
	require.False(t, ok)
	_, ok = tbl.get("a")
	require.True(t, ok)
	_, ok = tbl.get("c")
	require.True(t, ok)
}

func TestWindowTableRemoveDeletesEntry(t *testing.T) {
	t.Parallel()

	tbl := newWindowTable(0)
	tbl.put("a", newTestWindow("a"))
	tbl.remove("a")

	_, ok := tbl.get("a")
	require.False(t, ok)
	require.Empty(t, tbl.snapshot())
}

func TestWindowTablePutOnExistingKeyReplacesWithoutEviction(t *testing.T) {
	t.Parallel()

	tbl := newWindowTable(1)
	wA := newTestWindow("a")
	wA2 := newTestWindow("a")

	require.Nil(t, tbl.put("a", wA))
	require.Nil(t, tbl.put("a", wA2))

	got, ok := tbl.get("a")
	require.True(t, ok)
	require.Same(t, wA2, got)
}
