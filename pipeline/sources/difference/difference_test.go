package difference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metcore/viz3d-core/pipeline/cache"
	"github.com/metcore/viz3d-core/pipeline/datasource"
	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
	"github.com/metcore/viz3d-core/pipeline/scheduler"
	"github.com/metcore/viz3d-core/pipeline/sources/gridreader"
)

func newTestContext() *datasource.Context {
	return &datasource.Context{
		Host:      cache.NewHostManager("host", 1<<20, nil),
		Scheduler: scheduler.New(4, 64, time.Second, nil),
	}
}

func singleCellGrid(variable string, value float32) *item.StructuredGrid {
	g := item.NewStructuredGrid("unused", variable, item.LevelTypePressure, 1, 1, 1)
	g.Lons = []float64{10}
	g.Lats = []float64{50}
	g.Levels = []float64{500}
	g.SetAt(0, 0, 0, value)
	g.Finalize()
	return g
}

func TestDifferenceSubtractsCoincidentGrids(t *testing.T) {
	ctx := newTestContext()
	backend0 := gridreader.NewMemoryBackend()
	backend1 := gridreader.NewMemoryBackend()
	reader0 := gridreader.New("reader0", backend0, ctx)
	reader1 := gridreader.New("reader1", backend1, ctx)

	memberReq := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T06:00:00Z").
		InsertInt("MEMBER", 0)
	backend0.Put(memberReq, singleCellGrid("T", 10))
	backend1.Put(memberReq, singleCellGrid("T", 4))

	base0 := request.New().
		Insert("VARIABLE", "REQUESTED_VARIABLE").
		Insert("LEVELTYPE", "REQUESTED_LEVELTYPE").
		Insert("MEMBER", "REQUESTED_MEMBER").
		Insert("INIT_TIME", "REQUESTED_INIT_TIME").
		Insert("VALID_TIME", "REQUESTED_VALID_TIME")
	base1 := base0.Clone()

	diff := New("diff", reader0, reader1, base0, base1, ctx)

	req := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T06:00:00Z").
		InsertInt("MEMBER", 0)

	it, err := diff.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.StructuredGrid)
	require.True(t, ok)
	assert.Equal(t, float32(6), result.Data[0])
	require.NoError(t, diff.Release(result))
}

func TestDifferencePropagatesMissingFromOperandA(t *testing.T) {
	ctx := newTestContext()
	backend0 := gridreader.NewMemoryBackend()
	backend1 := gridreader.NewMemoryBackend()
	reader0 := gridreader.New("reader0", backend0, ctx)
	reader1 := gridreader.New("reader1", backend1, ctx)

	memberReq := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T12:00:00Z").
		InsertInt("MEMBER", 0)
	missingGrid := singleCellGrid("T", 0)
	missingGrid.SetAt(0, 0, 0, item.MissingValue)
	missingGrid.Finalize()
	backend0.Put(memberReq, missingGrid)
	backend1.Put(memberReq, singleCellGrid("T", 99)) // present, must be ignored

	base := request.New().
		Insert("VARIABLE", "REQUESTED_VARIABLE").
		Insert("LEVELTYPE", "REQUESTED_LEVELTYPE").
		Insert("MEMBER", "REQUESTED_MEMBER").
		Insert("INIT_TIME", "REQUESTED_INIT_TIME").
		Insert("VALID_TIME", "REQUESTED_VALID_TIME")

	diff := New("diff-missing", reader0, reader1, base.Clone(), base.Clone(), ctx)

	req := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T12:00:00Z").
		InsertInt("MEMBER", 0)

	it, err := diff.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.StructuredGrid)
	require.True(t, ok)
	assert.Equal(t, float32(item.MissingValue), result.Data[0])
	require.NoError(t, diff.Release(result))
}

func TestDifferenceSpecialCaseDateInitTimeValid(t *testing.T) {
	ctx := newTestContext()
	backend0 := gridreader.NewMemoryBackend()
	backend1 := gridreader.NewMemoryBackend()
	reader0 := gridreader.New("reader0", backend0, ctx)
	reader1 := gridreader.New("reader1", backend1, ctx)

	// input1's member lives at the init time's date (2026-07-29) combined
	// with the valid time's time-of-day (12:00) — the forecast-bias pattern
	// the special case exists for.
	input1MemberReq := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-29T12:00:00Z").
		Insert("VALID_TIME", "2026-07-29T12:00:00Z").
		InsertInt("MEMBER", 0)
	backend1.Put(input1MemberReq, singleCellGrid("T", 1))

	input0MemberReq := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-29T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T12:00:00Z").
		InsertInt("MEMBER", 0)
	backend0.Put(input0MemberReq, singleCellGrid("T", 5))

	base0 := request.New().
		Insert("VARIABLE", "REQUESTED_VARIABLE").
		Insert("LEVELTYPE", "REQUESTED_LEVELTYPE").
		Insert("MEMBER", "REQUESTED_MEMBER").
		Insert("INIT_TIME", "REQUESTED_INIT_TIME").
		Insert("VALID_TIME", "REQUESTED_VALID_TIME")
	base1 := request.New().
		Insert("VARIABLE", "REQUESTED_VARIABLE").
		Insert("LEVELTYPE", "REQUESTED_LEVELTYPE").
		Insert("MEMBER", "REQUESTED_MEMBER").
		Insert("INIT_TIME", "SPECIALCASE_DATE_INIT_TIME_VALID").
		Insert("VALID_TIME", "SPECIALCASE_DATE_INIT_TIME_VALID")

	diff := New("diff-bias", reader0, reader1, base0, base1, ctx)

	req := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-29T00:00:00Z").
		Insert("VALID_TIME", "2026-07-30T12:00:00Z").
		InsertInt("MEMBER", 0)

	it, err := diff.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.StructuredGrid)
	require.True(t, ok)
	assert.Equal(t, float32(4), result.Data[0]) // 5 - 1
	require.NoError(t, diff.Release(result))
}
