package occurrence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/faultline/internal/blame"
	"github.com/faultline-io/faultline/internal/blame/mock"
	"github.com/faultline-io/faultline/internal/occurrence"
	"github.com/faultline-io/faultline/internal/resolve"
	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/internal/store/memory"
	"github.com/faultline-io/faultline/pkg/models"
)

func newTestBug(t *testing.T, st *memory.Store) *models.Bug {
	t.Helper()
	project, err := st.GetDefaultProject(context.Background())
	require.NoError(t, err)

	bug := &models.Bug{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		ClassName:   "SegFault",
		File:        "core.c",
		Line:        42,
		Environment: "production",
	}
	require.NoError(t, st.CreateBug(context.Background(), bug))
	return bug
}

func newTestService(st *memory.Store, b blame.Blamer) *occurrence.Service {
	return occurrence.NewService(st, nil, b, nil)
}

func nativeBacktrace(addrs ...uint64) models.Backtrace {
	frames := make(models.Frames, 0, len(addrs))
	for _, a := range addrs {
		frames = append(frames, models.UnresolvedNativeFrame{Address: a})
	}
	return models.Backtrace{{Name: "main", Faulted: true, Frames: frames}}
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	for want := 1; want <= 5; want++ {
		o, err := svc.Create(context.Background(), occurrence.CreateParams{
			BugID:   bug.ID,
			Message: "boom",
		})
		require.NoError(t, err)
		assert.Equal(t, want, o.Number)
	}
}

func TestCreateConcurrentNumbersArePermutation(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	const n = 32
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := svc.Create(context.Background(), occurrence.CreateParams{BugID: bug.ID})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = o.Number
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, num := range results {
		assert.False(t, seen[num], "number %d assigned twice", num)
		assert.GreaterOrEqual(t, num, 1)
		assert.LessOrEqual(t, num, n)
		seen[num] = true
	}
}

func TestCreateStampsFirstOccurrenceOnce(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := svc.Create(context.Background(), occurrence.CreateParams{BugID: bug.ID, OccurredAt: first})
	require.NoError(t, err)

	earlier := first.Add(-time.Hour)
	_, err = svc.Create(context.Background(), occurrence.CreateParams{BugID: bug.ID, OccurredAt: earlier})
	require.NoError(t, err)

	got, err := st.GetBug(context.Background(), bug.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FirstOccurrence)
	assert.Equal(t, first, *got.FirstOccurrence)
}

func TestCreateRejectsMultipleFaultedThreads(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	bt := models.Backtrace{
		{Name: "a", Faulted: true},
		{Name: "b", Faulted: true},
	}
	_, err := svc.Create(context.Background(), occurrence.CreateParams{BugID: bug.ID, Backtraces: bt})
	assert.ErrorIs(t, err, occurrence.ErrMultipleFaultedThreads)
}

func TestCreateUnknownBug(t *testing.T) {
	svc := newTestService(memory.New(), nil)
	_, err := svc.Create(context.Background(), occurrence.CreateParams{BugID: uuid.New()})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func createOccurrence(t *testing.T, svc *occurrence.Service, p occurrence.CreateParams) *models.Occurrence {
	t.Helper()
	o, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	return o
}

func storeSymbolication(t *testing.T, st *memory.Store) *resolve.Symbolication {
	t.Helper()
	table, err := resolve.NewSymbolication(uuid.New(), []resolve.AddrRange{
		{Start: 100, End: 200, Location: resolve.Location{File: "alloc.c", Line: 7, Symbol: "malloc_wrap"}},
	})
	require.NoError(t, err)
	require.NoError(t, st.CreateSymbolication(context.Background(), table))
	return table
}

func TestSymbolicateUsesAssociatedTable(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)
	table := storeSymbolication(t, st)

	o := createOccurrence(t, svc, occurrence.CreateParams{
		BugID:           bug.ID,
		Backtraces:      nativeBacktrace(150),
		SymbolicationID: &table.ID,
	})

	require.NoError(t, svc.Symbolicate(context.Background(), o.ID, nil))

	got, err := st.GetOccurrence(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, got.Backtraces[0].Frames, 1)
	assert.Equal(t,
		models.ResolvedNativeFrame{File: "alloc.c", Line: 7, Symbol: "malloc_wrap"},
		got.Backtraces[0].Frames[0])
}

func TestSymbolicateOverrideBeatsAssociated(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)
	table := storeSymbolication(t, st)

	o := createOccurrence(t, svc, occurrence.CreateParams{
		BugID:           bug.ID,
		Backtraces:      nativeBacktrace(150),
		SymbolicationID: &table.ID,
	})

	override, err := resolve.NewSymbolication(uuid.New(), []resolve.AddrRange{
		{Start: 100, End: 200, Location: resolve.Location{File: "other.c", Line: 1, Symbol: "other"}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Symbolicate(context.Background(), o.ID, override))

	got, err := st.GetOccurrence(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t,
		models.ResolvedNativeFrame{File: "other.c", Line: 1, Symbol: "other"},
		got.Backtraces[0].Frames[0])
}

func TestSymbolicateNoops(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	t.Run("no table anywhere", func(t *testing.T) {
		o := createOccurrence(t, svc, occurrence.CreateParams{
			BugID:      bug.ID,
			Backtraces: nativeBacktrace(150),
		})
		require.NoError(t, svc.Symbolicate(context.Background(), o.ID, nil))

		got, err := st.GetOccurrence(context.Background(), o.ID)
		require.NoError(t, err)
		assert.False(t, got.Backtraces.Symbolicated())
	})

	t.Run("dangling table reference", func(t *testing.T) {
		missing := uuid.New()
		o := createOccurrence(t, svc, occurrence.CreateParams{
			BugID:           bug.ID,
			Backtraces:      nativeBacktrace(150),
			SymbolicationID: &missing,
		})
		require.NoError(t, svc.Symbolicate(context.Background(), o.ID, nil))
	})

	t.Run("already resolved", func(t *testing.T) {
		table := storeSymbolication(t, st)
		bt := models.Backtrace{{Name: "main", Faulted: true, Frames: models.Frames{
			models.ResolvedNativeFrame{File: "done.c", Line: 1, Symbol: "done"},
		}}}
		o := createOccurrence(t, svc, occurrence.CreateParams{
			BugID:           bug.ID,
			Backtraces:      bt,
			SymbolicationID: &table.ID,
		})
		require.NoError(t, svc.Symbolicate(context.Background(), o.ID, nil))

		got, err := st.GetOccurrence(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, bt, got.Backtraces)
	})

	t.Run("truncated", func(t *testing.T) {
		table := storeSymbolication(t, st)
		o := createOccurrence(t, svc, occurrence.CreateParams{
			BugID:           bug.ID,
			Backtraces:      nativeBacktrace(150),
			SymbolicationID: &table.ID,
		})
		require.NoError(t, svc.Truncate(context.Background(), o.ID))
		require.NoError(t, svc.Symbolicate(context.Background(), o.ID, nil))

		got, err := st.GetOccurrence(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Backtraces)
		assert.True(t, got.Truncated)
	})
}

func TestSourceMapDefaultLookup(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	table, err := resolve.NewSourceMap(uuid.New(), bug.ProjectID, bug.Environment, "abc123", []resolve.Mapping{
		{AssetURL: "https://cdn.example.com/app.min.js", Line: 1, Column: 4410,
			To: resolve.Location{File: "src/app.js", Line: 88, Symbol: "handleClick"}},
	})
	require.NoError(t, err)
	require.NoError(t, st.CreateSourceMap(context.Background(), table))

	bt := models.Backtrace{{Name: "main", Faulted: true, Frames: models.Frames{
		models.UnresolvedJSFrame{AssetURL: "https://cdn.example.com/app.min.js", Line: 1, Column: 4410},
	}}}

	o := createOccurrence(t, svc, occurrence.CreateParams{
		BugID:      bug.ID,
		Revision:   "abc123",
		Backtraces: bt,
	})
	require.NoError(t, svc.SourceMap(context.Background(), o.ID, nil))

	got, err := st.GetOccurrence(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t,
		models.ResolvedJSFrame{File: "src/app.js", Line: 88, Symbol: "handleClick"},
		got.Backtraces[0].Frames[0])

	t.Run("no revision means no table", func(t *testing.T) {
		o := createOccurrence(t, svc, occurrence.CreateParams{
			BugID:      bug.ID,
			Backtraces: bt,
		})
		require.NoError(t, svc.SourceMap(context.Background(), o.ID, nil))

		got, err := st.GetOccurrence(context.Background(), o.ID)
		require.NoError(t, err)
		assert.False(t, got.Backtraces.SourceMapped())
	})
}

func TestDeobfuscateUsesDeployMap(t *testing.T) {
	st := memory.New()
	project, err := st.GetDefaultProject(context.Background())
	require.NoError(t, err)

	deployID := uuid.New()
	bug := &models.Bug{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		ClassName:   "NullPointerException",
		File:        "src/foo/Bar.java",
		Line:        15,
		Environment: "production",
		DeployID:    &deployID,
	}
	require.NoError(t, st.CreateBug(context.Background(), bug))

	table, err := resolve.NewObfuscationMap(uuid.New(), deployID,
		map[string]string{"A": "com.foo"},
		[]resolve.ClassAlias{{Package: "com.foo", Alias: "B", Path: "src/foo/Bar.java", Name: "Bar"}},
		[]resolve.MethodAlias{{Class: "com.foo.Bar", Signature: "int baz(String)", Alias: "a"}},
	)
	require.NoError(t, err)
	require.NoError(t, st.CreateObfuscationMap(context.Background(), table))

	svc := newTestService(st, nil)
	o := createOccurrence(t, svc, occurrence.CreateParams{
		BugID: bug.ID,
		Backtraces: models.Backtrace{{Name: "main", Faulted: true, Frames: models.Frames{
			models.UnresolvedJavaFrame{
				ObfuscatedFile:      "B.java",
				Line:                15,
				ObfuscatedSignature: "int a(String)",
				ObfuscatedClass:     "com.A.B",
			},
		}}},
	})

	require.NoError(t, svc.Deobfuscate(context.Background(), o.ID, nil))

	got, err := st.GetOccurrence(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t,
		models.ResolvedJavaFrame{File: "src/foo/Bar.java", Line: 15, Signature: "int baz(String)"},
		got.Backtraces[0].Frames[0])
}

func TestTruncateOnlyListedOccurrences(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	a := createOccurrence(t, svc, occurrence.CreateParams{
		BugID: bug.ID, Backtraces: nativeBacktrace(1), Metadata: map[string]any{"host": "web-1"},
	})
	b := createOccurrence(t, svc, occurrence.CreateParams{
		BugID: bug.ID, Backtraces: nativeBacktrace(2),
	})

	require.NoError(t, svc.Truncate(context.Background(), a.ID))

	gotA, err := st.GetOccurrence(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, gotA.Truncated)
	assert.Nil(t, gotA.Backtraces)
	assert.Nil(t, gotA.Metadata)
	assert.Equal(t, a.Number, gotA.Number)

	gotB, err := st.GetOccurrence(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, gotB.Truncated)
	assert.NotNil(t, gotB.Backtraces)
}

func TestRedirectAndCanonical(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	dup := createOccurrence(t, svc, occurrence.CreateParams{BugID: bug.ID, Backtraces: nativeBacktrace(1)})
	canonical := createOccurrence(t, svc, occurrence.CreateParams{BugID: bug.ID, Backtraces: nativeBacktrace(1)})

	require.NoError(t, svc.RedirectTo(context.Background(), dup.ID, canonical.ID))

	got, err := st.GetOccurrence(context.Background(), dup.ID)
	require.NoError(t, err)
	assert.True(t, got.Truncated)
	require.NotNil(t, got.RedirectTargetID)
	assert.Equal(t, canonical.ID, *got.RedirectTargetID)

	resolved, err := svc.Canonical(context.Background(), dup.ID)
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, resolved.ID)
}

func TestRecategorize(t *testing.T) {
	st := memory.New()
	source := newTestBug(t, st)

	project, err := st.GetDefaultProject(context.Background())
	require.NoError(t, err)
	target := &models.Bug{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		ClassName:   "Timeout",
		File:        "net.c",
		Line:        9,
		Environment: "production",
		Fixed:       true,
		FixDeployed: true,
	}
	require.NoError(t, st.CreateBug(context.Background(), target))

	svc := newTestService(st, mock.NewStaticBlamer(target))
	// the target already has an occurrence, so the copy gets number 2
	createOccurrence(t, svc, occurrence.CreateParams{BugID: target.ID})

	orig := createOccurrence(t, svc, occurrence.CreateParams{
		BugID:      source.ID,
		Message:    "timed out",
		Backtraces: nativeBacktrace(7),
	})

	created, err := svc.Recategorize(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, created.BugID)
	assert.Equal(t, 2, created.Number)
	assert.Equal(t, "timed out", created.Message)

	gotOrig, err := st.GetOccurrence(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.True(t, gotOrig.Truncated)
	require.NotNil(t, gotOrig.RedirectTargetID)
	assert.Equal(t, created.ID, *gotOrig.RedirectTargetID)

	gotTarget, err := st.GetBug(context.Background(), target.ID)
	require.NoError(t, err)
	assert.False(t, gotTarget.Fixed)
	assert.False(t, gotTarget.FixDeployed)
}

func TestRecategorizeBlamerFailureLeavesOriginalUntouched(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, mock.NewFailingBlamer(errors.New("classifier offline")))

	orig := createOccurrence(t, svc, occurrence.CreateParams{BugID: bug.ID, Backtraces: nativeBacktrace(7)})

	_, err := svc.Recategorize(context.Background(), orig.ID)
	require.Error(t, err)

	got, err := st.GetOccurrence(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.False(t, got.Truncated)
	assert.Nil(t, got.RedirectTargetID)
}

func TestRecategorizeTruncated(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, mock.NewStaticBlamer(bug))

	o := createOccurrence(t, svc, occurrence.CreateParams{BugID: bug.ID})
	require.NoError(t, svc.Truncate(context.Background(), o.ID))

	_, err := svc.Recategorize(context.Background(), o.ID)
	assert.ErrorIs(t, err, occurrence.ErrTruncated)
}

func TestDeleteNeverReusesNumbers(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	first := createOccurrence(t, svc, occurrence.CreateParams{BugID: bug.ID})
	require.Equal(t, 1, first.Number)
	require.NoError(t, st.DeleteOccurrence(context.Background(), first.ID))

	second := createOccurrence(t, svc, occurrence.CreateParams{BugID: bug.ID})
	assert.Equal(t, 2, second.Number)
}

func TestTriggerResolve(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)
	table := storeSymbolication(t, st)

	o := createOccurrence(t, svc, occurrence.CreateParams{
		BugID:           bug.ID,
		Backtraces:      nativeBacktrace(150),
		SymbolicationID: &table.ID,
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := svc.TriggerResolve(context.Background(), o.ID, "transmogrify")
		assert.Error(t, err)
	})

	t.Run("unknown occurrence", func(t *testing.T) {
		_, err := svc.TriggerResolve(context.Background(), uuid.New(), models.JobSymbolicate)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	job, err := svc.TriggerResolve(context.Background(), o.ID, models.JobSymbolicate)
	require.NoError(t, err)
	assert.Equal(t, models.JobSymbolicate, job.Type)

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := st.GetOccurrence(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, got.Backtraces.Symbolicated())
}

func TestEnqueueResolvers(t *testing.T) {
	st := memory.New()
	bug := newTestBug(t, st)
	svc := newTestService(st, nil)

	o := createOccurrence(t, svc, occurrence.CreateParams{
		BugID: bug.ID,
		Backtraces: models.Backtrace{{Name: "main", Faulted: true, Frames: models.Frames{
			models.UnresolvedNativeFrame{Address: 1},
			models.UnresolvedJSFrame{AssetURL: "a.js", Line: 1, Column: 2},
		}}},
	})

	jobs := svc.EnqueueResolvers(context.Background(), o)
	require.Len(t, jobs, 2)

	types := map[string]bool{}
	for _, j := range jobs {
		types[j.Type] = true
	}
	assert.True(t, types[models.JobSymbolicate])
	assert.True(t, types[models.JobSourceMap])
}
