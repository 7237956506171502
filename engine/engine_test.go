package engine

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinxiao27/collabdoc/causal"
	"github.com/kevinxiao27/collabdoc/document"
	"github.com/kevinxiao27/collabdoc/internal/clock"
	"github.com/kevinxiao27/collabdoc/internal/config"
	"github.com/kevinxiao27/collabdoc/ol"
	"github.com/kevinxiao27/collabdoc/snapshot"
)

var epoch = time.UnixMilli(1000)

func testConfig() config.Engine {
	cfg := config.DefaultEngine()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newEngine(t *testing.T, replica string, tune ...func(*config.Engine)) (*Engine, *clock.FakeClock) {
	t.Helper()
	cfg := testConfig()
	for _, f := range tune {
		f(&cfg)
	}
	fake := clock.Fake(epoch)
	e, err := New(cfg, WithClock(fake), WithReplica(replica))
	require.NoError(t, err)
	return e, fake
}

func ins(id, author string, ts int64, pos int, content string) ol.Operation {
	return ol.Operation{ID: id, Type: ol.Insert, Author: author, Timestamp: ts, Position: pos, Content: content}
}

func contents(spans []document.Span) []string {
	out := []string{}
	for _, span := range spans {
		out = append(out, span.Content)
	}
	return out
}

func submit(t *testing.T, e *Engine, ops ...ol.Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, e.ApplyOperation(op))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := New(cfg)
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestHelloWorld(t *testing.T) {
	e, _ := newEngine(t, "A")
	submit(t, e, ins("a1", "A", 100, 0, "Hello"), ins("a2", "A", 101, 5, "World"))
	assert.Empty(t, e.GetVisibleContent(), "operations wait in the buffer")

	e.Flush()
	assert.Equal(t, []string{"Hello", "World"}, contents(e.GetVisibleContent()))
	assert.Equal(t, "HelloWorld", e.Text())
}

func TestApplyOperationIsIdempotent(t *testing.T) {
	e, _ := newEngine(t, "A")
	op := ins("a1", "A", 100, 0, "x")

	submit(t, e, op, op)
	e.Flush()
	submit(t, e, op)
	e.Flush()

	assert.Equal(t, []string{"x"}, contents(e.GetVisibleContent()))
	assert.Equal(t, 1, e.Stats().Operations)
	assert.True(t, e.Has("a1"))
}

func TestConcurrentHeadInsertsTieBreakByAuthor(t *testing.T) {
	a := ins("a", "A", 100, 0, "a")
	b := ins("b", "B", 100, 0, "b")

	one, _ := newEngine(t, "one")
	submit(t, one, a, b)
	one.Flush()

	two, _ := newEngine(t, "two")
	submit(t, two, b)
	two.Flush()
	submit(t, two, a)
	two.Flush()

	assert.Equal(t, []string{"a", "b"}, contents(one.GetVisibleContent()))
	assert.Equal(t, contents(one.GetVisibleContent()), contents(two.GetVisibleContent()))
}

func exchange(t *testing.T, to *Engine, ops ...ol.Operation) {
	t.Helper()
	submit(t, to, ops...)
	to.Flush()
}

func TestReplicasConverge(t *testing.T) {
	a, _ := newEngine(t, "A")
	b, _ := newEngine(t, "B")

	hello, err := a.Insert(0, "Hello", nil)
	require.NoError(t, err)
	world, err := b.Insert(0, "World", nil)
	require.NoError(t, err)
	exchange(t, a, world)
	exchange(t, b, hello)
	require.Equal(t, "HelloWorld", a.Text())
	require.Equal(t, a.Text(), b.Text())

	bang, err := a.Insert(1, "!", nil)
	require.NoError(t, err)
	del, err := b.Delete(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{hello.ID}, del.Targets)

	exchange(t, a, del)
	exchange(t, b, bang)

	assert.Equal(t, "!World", a.Text())
	assert.Equal(t, a.GetVisibleContent(), b.GetVisibleContent())
	assert.Equal(t, a.Version(), b.Version())
}

func TestConvergenceAcrossArrivalOrders(t *testing.T) {
	origin, _ := newEngine(t, "A")
	var ops []ol.Operation
	for i, word := range []string{"one", "two", "three"} {
		op, err := origin.Insert(document.VisibleIndex(i), word, nil)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	del, err := origin.Delete(1, 1)
	require.NoError(t, err)
	bold, err := origin.Format(0, 1, ol.Attrs(map[string]ol.Value{"bold": ol.Bool(true)}))
	require.NoError(t, err)
	ops = append(ops, del, bold)

	orders := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}, {3, 4, 1, 2, 0}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			replica, _ := newEngine(t, "R")
			for _, i := range order {
				exchange(t, replica, ops[i])
			}
			assert.Equal(t, origin.GetVisibleContent(), replica.GetVisibleContent())
			assert.Zero(t, replica.Stats().Pending)
		})
	}
}

func TestCausalSafetyAcrossBatches(t *testing.T) {
	e, _ := newEngine(t, "R")
	a := ins("a1", "A", 100, 0, "a")
	a.Origin = ol.HeadID
	bold := ol.Operation{
		ID: "b1", Type: ol.Format, Author: "B", Timestamp: 101,
		Attributes:   ol.Attrs(map[string]ol.Value{"bold": ol.Bool(true)}),
		Targets:      []string{"a1"},
		Dependencies: []string{"a1"},
	}

	exchange(t, e, bold)
	assert.True(t, e.Has("b1"))
	assert.Empty(t, e.GetVisibleContent())
	assert.Equal(t, 1, e.Stats().Pending)

	exchange(t, e, a)
	spans := e.GetVisibleContent()
	require.Len(t, spans, 1)
	v, ok := spans[0].Attributes.Get("bold")
	require.True(t, ok)
	assert.Equal(t, ol.Bool(true), v)
}

func TestCausalSafetyWithinBatch(t *testing.T) {
	e, _ := newEngine(t, "R")
	submit(t, e,
		ol.Operation{ID: "d1", Type: ol.Delete, Author: "B", Timestamp: 101, Position: 0, Dependencies: []string{"a1"}},
		ins("a1", "A", 100, 0, "a"),
	)
	e.Flush()

	assert.Empty(t, e.GetVisibleContent(), "the delete runs after the insert it depends on")
	assert.Equal(t, 1, e.Stats().Items)
}

func TestTombstonesKeepRawLength(t *testing.T) {
	e, _ := newEngine(t, "A")
	for i, s := range []string{"x", "y", "z"} {
		_, err := e.Insert(document.VisibleIndex(i), s, nil)
		require.NoError(t, err)
	}
	before := e.Stats()

	_, err := e.Delete(1, 1)
	require.NoError(t, err)
	after := e.Stats()

	assert.Equal(t, before.Items, after.Items)
	assert.Equal(t, before.Visible-1, after.Visible)
}

func TestFormatAfterDeleteIsNoOp(t *testing.T) {
	e, _ := newEngine(t, "A")
	submit(t, e, ins("a1", "A", 100, 0, "x"), ins("a2", "A", 101, 1, "y"))
	e.Flush()
	submit(t, e,
		ol.Operation{ID: "d1", Type: ol.Delete, Author: "A", Timestamp: 102, Position: 0},
		ol.Operation{ID: "f1", Type: ol.Format, Author: "A", Timestamp: 103, Position: 0,
			Attributes: ol.Attrs(map[string]ol.Value{"bold": ol.Bool(true)})},
	)
	e.Flush()

	assert.Equal(t, []document.Span{{Content: "y"}}, e.GetVisibleContent())
	assert.Equal(t, 2, e.Stats().Items)
}

func TestBatchesOfHundredThenFifty(t *testing.T) {
	var ops []ol.Operation
	for i := 0; i < 150; i++ {
		ops = append(ops, ins(fmt.Sprintf("a%03d", i), "A", int64(i), i, fmt.Sprint(i%10)))
	}

	split, fake := newEngine(t, "S")
	submit(t, split, ops...)
	assert.Equal(t, 1, split.Stats().Flushes)
	assert.Equal(t, 50, split.Stats().Buffered)

	fake.Advance(5 * time.Millisecond)
	assert.Equal(t, 2, split.Stats().Flushes)
	assert.Zero(t, split.Stats().Buffered)

	whole, _ := newEngine(t, "W", func(cfg *config.Engine) { cfg.BatchSize = 150 })
	submit(t, whole, ops...)
	assert.Equal(t, 1, whole.Stats().Flushes)

	assert.Equal(t, whole.GetVisibleContent(), split.GetVisibleContent())
	assert.Len(t, split.GetVisibleContent(), 150)
}

func TestSerializeThreeOperations(t *testing.T) {
	e, _ := newEngine(t, "A")
	submit(t, e,
		ins("a1", "A", 100, 0, "Hello"),
		ins("a2", "A", 101, 1, "World"),
		ol.Operation{ID: "a3", Type: ol.Delete, Author: "A", Timestamp: 102, Position: 0},
	)

	data, err := e.SerializeState()
	require.NoError(t, err)

	restored, err := FromSnapshot(data, testConfig(), WithReplica("B"))
	require.NoError(t, err)
	assert.Equal(t, e.GetVisibleContent(), restored.GetVisibleContent())
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.True(t, restored.Has(id), id)
	}
	assert.Equal(t, e.Version(), restored.Version())
	assert.Equal(t, 2, restored.Stats().Items, "the tombstone comes back too")
}

func TestRoundTripEveryCodec(t *testing.T) {
	for _, c := range []snapshot.Codec{snapshot.CodecNone, snapshot.CodecZstd, snapshot.CodecLZ4} {
		t.Run(string(c), func(t *testing.T) {
			e, _ := newEngine(t, "A", func(cfg *config.Engine) { cfg.Compression = c })
			for i, s := range []string{"a", "b", "c", "d"} {
				_, err := e.Insert(document.VisibleIndex(i), s, nil)
				require.NoError(t, err)
			}
			_, err := e.Format(1, 2, ol.Attrs(map[string]ol.Value{"size": ol.Number(12)}))
			require.NoError(t, err)
			_, err = e.Delete(3, 1)
			require.NoError(t, err)
			_, err = e.Move(0, 1, 2)
			require.NoError(t, err)

			data, err := e.SerializeState()
			require.NoError(t, err)
			restored, err := FromSnapshot(data, testConfig(), WithReplica("B"))
			require.NoError(t, err)

			assert.Equal(t, e.GetVisibleContent(), restored.GetVisibleContent())
			assert.Equal(t, e.Operations(), restored.Operations())

			next := ins("z1", "Z", 5000, 1, "!")
			next.Origin = ol.HeadID
			exchange(t, e, next)
			exchange(t, restored, next)
			assert.Equal(t, e.Text(), restored.Text())
		})
	}
}

func typeWord(t *testing.T, e *Engine, fake *clock.FakeClock, word string) {
	t.Helper()
	for _, r := range word {
		fake.Advance(10 * time.Millisecond)
		_, err := e.Insert(document.VisibleIndex(e.Stats().Visible), string(r), nil)
		require.NoError(t, err)
	}
}

func TestCompactionLeavesContentAlone(t *testing.T) {
	compacting, fakeC := newEngine(t, "A", func(cfg *config.Engine) { cfg.CompactionThreshold = 1 })
	plain, fakeP := newEngine(t, "A", func(cfg *config.Engine) { cfg.CompactionThreshold = 1000 })

	typeWord(t, compacting, fakeC, "Hey")
	typeWord(t, plain, fakeP, "Hey")
	for _, e := range []*Engine{compacting, plain} {
		_, err := e.Delete(1, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, plain.GetVisibleContent(), compacting.GetVisibleContent())
	assert.Equal(t, "Hy", compacting.Text())

	stats := compacting.Stats()
	assert.Equal(t, 2, stats.Operations)
	assert.Equal(t, 2, stats.Compacted)
	assert.Equal(t, 4, plain.Stats().Operations)

	ops := compacting.Operations()
	assert.Len(t, ops[0].Parts, 3)
	for _, op := range plain.Operations() {
		assert.True(t, compacting.Has(op.ID), op.ID)
	}

	data, err := compacting.SerializeState()
	require.NoError(t, err)
	fresh, _ := newEngine(t, "R")
	require.NoError(t, fresh.Merge(data))
	assert.Equal(t, "Hy", fresh.Text(), "a compacted log replays to the same content")
}

func TestMergeExchangesMissingOperations(t *testing.T) {
	a, _ := newEngine(t, "A")
	b, _ := newEngine(t, "B")
	_, err := a.Insert(0, "left", nil)
	require.NoError(t, err)
	_, err = b.Insert(0, "right", nil)
	require.NoError(t, err)

	fromA, err := a.SerializeState()
	require.NoError(t, err)
	fromB, err := b.SerializeState()
	require.NoError(t, err)
	require.NoError(t, a.Merge(fromB))
	require.NoError(t, b.Merge(fromA))

	assert.Equal(t, a.GetVisibleContent(), b.GetVisibleContent())
	assert.Equal(t, a.Version(), b.Version())
	assert.Equal(t, 2, a.Stats().Operations)

	again, err := b.SerializeState()
	require.NoError(t, err)
	require.NoError(t, a.Merge(again))
	assert.Equal(t, 2, a.Stats().Operations, "merging known operations is a no-op")
}

func TestMergeFillsPartlyKnownRun(t *testing.T) {
	writer, fake := newEngine(t, "A", func(cfg *config.Engine) { cfg.CompactionThreshold = 1 })
	reader, _ := newEngine(t, "R")

	typeWord(t, writer, fake, "H")
	exchange(t, reader, writer.Operations()...)
	typeWord(t, writer, fake, "ey")
	require.Equal(t, 1, writer.Stats().Operations)

	data, err := writer.SerializeState()
	require.NoError(t, err)
	require.NoError(t, reader.Merge(data))

	assert.Equal(t, "Hey", reader.Text())
	assert.Equal(t, writer.Version(), reader.Version())
}

func TestCompactedLogReplaysPositionOnlyInserts(t *testing.T) {
	e, _ := newEngine(t, "A", func(cfg *config.Engine) { cfg.CompactionThreshold = 1 })
	exchange(t, e, ins("q", "Y", 50, 0, "q"))
	exchange(t, e, ins("a", "X", 1, 0, "a"))
	exchange(t, e, ins("b", "X", 2, 1, "b"))
	require.Equal(t, "qba", e.Text())

	data, err := e.SerializeState()
	require.NoError(t, err)
	fresh, _ := newEngine(t, "R")
	require.NoError(t, fresh.Merge(data))
	assert.Equal(t, "qba", fresh.Text())
}

func TestMergeAppliesUnseenPositionOnlyDelete(t *testing.T) {
	del := func(id string, ts int64) ol.Operation {
		return ol.Operation{ID: id, Type: ol.Delete, Author: "C", Timestamp: ts, Position: 0}
	}
	inserts := []ol.Operation{ins("x", "X", 1, 0, "x"), ins("y", "X", 2, 1, "y"), ins("z", "X", 3, 2, "z")}

	a, _ := newEngine(t, "A", func(cfg *config.Engine) { cfg.CompactionThreshold = 1 })
	for _, op := range append(inserts, del("d1", 10), del("d2", 11)) {
		exchange(t, a, op)
	}
	require.Equal(t, "z", a.Text())

	b, _ := newEngine(t, "B")
	for _, op := range append(inserts, del("d1", 10)) {
		exchange(t, b, op)
	}
	require.Equal(t, "yz", b.Text())

	data, err := a.SerializeState()
	require.NoError(t, err)
	require.NoError(t, b.Merge(data))
	assert.Equal(t, "z", b.Text())
	assert.True(t, b.Has("d2"))
}

func TestMergeRejectsCorruptSnapshot(t *testing.T) {
	e, _ := newEngine(t, "A")
	err := e.Merge([]byte{0xff, 0x00})
	require.ErrorIs(t, err, snapshot.ErrMalformed)
	assert.Zero(t, e.Stats().Operations)
}

func TestInvalidOperationsDropped(t *testing.T) {
	e, _ := newEngine(t, "A")
	submit(t, e,
		ol.Operation{ID: "x", Type: ol.Insert, Content: "no author"},
		ol.Operation{ID: "y", Type: "bogus", Author: "A"},
		ol.Operation{Type: ol.Insert, Author: "A"},
	)
	e.Flush()
	assert.Zero(t, e.Stats().Operations)
}

func TestCyclePolicies(t *testing.T) {
	x := ins("x", "A", 100, 0, "x")
	x.Dependencies = []string{"y"}
	y := ins("y", "B", 100, 0, "y")
	y.Dependencies = []string{"x"}

	lenient, _ := newEngine(t, "L")
	exchange(t, lenient, x, y)
	assert.Equal(t, 2, lenient.Stats().Operations)

	strict, _ := newEngine(t, "S", func(cfg *config.Engine) { cfg.CyclePolicy = causal.Reject })
	exchange(t, strict, x, y)
	assert.Zero(t, strict.Stats().Operations)
	assert.Equal(t, 2, strict.Stats().Rejected)
	assert.False(t, strict.Has("x"), "rejected operations may be submitted again")
}

func TestLocalBuilders(t *testing.T) {
	e, fake := newEngine(t, "A", func(cfg *config.Engine) { cfg.DependencyFanout = 1 })

	first, err := e.Insert(0, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, ol.HeadID, first.Origin)
	assert.Equal(t, "A", first.Author)
	assert.Equal(t, epoch.UnixMilli(), first.Timestamp)
	assert.Contains(t, first.ID, "A-1000-")
	assert.Empty(t, first.Dependencies)

	second, err := e.Insert(9, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Position, "positions past the end clamp")
	assert.Equal(t, first.ID, second.Origin)
	assert.Equal(t, []string{first.ID}, second.Dependencies)
	assert.Greater(t, second.Timestamp, first.Timestamp, "timestamps stay monotonic under a stopped clock")

	fake.Advance(time.Second)
	third, err := e.Insert(0, "c", nil)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), third.Timestamp)
	assert.Equal(t, "cab", e.Text())

	_, err = e.Delete(3, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = e.Format(-1, 1, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = e.Move(3, 1, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	move, err := e.Move(0, 1, 2)
	require.NoError(t, err)
	target, _ := move.Attributes.Get(ol.TargetKey)
	assert.Equal(t, ol.Number(2), target)
	assert.Equal(t, "abc", e.Text())
}

func TestLocalEditsFlushBufferFirst(t *testing.T) {
	e, _ := newEngine(t, "A")
	submit(t, e, ins("r1", "R", 100, 0, "remote"))

	op, err := e.Insert(1, "local", nil)
	require.NoError(t, err)
	assert.Equal(t, "r1", op.Origin)
	assert.Equal(t, "remotelocal", e.Text())
}

func TestCloseFlushesAndRefuses(t *testing.T) {
	e, fake := newEngine(t, "A")
	submit(t, e, ins("a1", "A", 100, 0, "x"))
	require.NoError(t, e.Close())

	assert.Equal(t, "x", e.Text())
	assert.Zero(t, fake.Pending())
	assert.ErrorIs(t, e.ApplyOperation(ins("a2", "A", 101, 0, "y")), ErrClosed)
	_, err := e.Insert(0, "z", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Close(), ErrClosed)
}

func TestDump(t *testing.T) {
	e, _ := newEngine(t, "dumper")
	_, err := e.Insert(0, "visible text", nil)
	require.NoError(t, err)

	out := e.Dump()
	assert.Contains(t, out, "dumper")
	assert.Contains(t, out, "visible text")
}
