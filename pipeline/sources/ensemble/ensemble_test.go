package ensemble

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

func baseRequest(validTime string) *request.Request {
	return request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "PRESSURE").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", validTime)
}

func putMember(backend *gridreader.MemoryBackend, base *request.Request, member uint, value float32) {
	mreq := base.Clone().InsertInt("MEMBER", int64(member))
	g := item.NewStructuredGrid("unused", "T", item.LevelTypePressure, 1, 1, 1)
	g.SetAt(0, 0, 0, value)
	g.Finalize()
	backend.Put(mreq, g)
}

func TestMeanIdentityWithZeroStdDevCompanion(t *testing.T) {
	ctx := newTestContext()
	backend := gridreader.NewMemoryBackend()
	reader := gridreader.New("reader", backend, ctx)
	ens := New("ensemble", reader, ctx)

	base := baseRequest("2026-07-30T06:00:00Z")
	for m := uint(0); m < 4; m++ {
		putMember(backend, base, m, 5.0)
	}

	members := map[uint]struct{}{0: {}, 1: {}, 2: {}, 3: {}}
	meanReq := base.Clone().InsertUintSet(KeySelectedMembers, members).Insert(KeyOperation, OpMean)

	it, err := ens.Get(meanReq)
	require.NoError(t, err)
	mean, ok := it.(*item.StructuredGrid)
	require.True(t, ok)
	assert.Equal(t, float32(5.0), mean.Data[0])
	require.NoError(t, ens.Release(mean))

	stddevReq := base.Clone().InsertUintSet(KeySelectedMembers, members).Insert(KeyOperation, OpStdDev)
	it2, err := ens.Get(stddevReq)
	require.NoError(t, err)
	stddev, ok := it2.(*item.StructuredGrid)
	require.True(t, ok)
	assert.Equal(t, float32(0.0), stddev.Data[0])
	require.NoError(t, ens.Release(stddev))
}

func TestProbabilityThresholdSetsContributingMemberBitmap(t *testing.T) {
	ctx := newTestContext()
	backend := gridreader.NewMemoryBackend()
	reader := gridreader.New("reader", backend, ctx)
	ens := New("ensemble", reader, ctx)

	base := baseRequest("2026-07-30T12:00:00Z")
	values := []float32{5, 11, 20, 12}
	for m, v := range values {
		putMember(backend, base, uint(m), v)
	}

	members := map[uint]struct{}{0: {}, 1: {}, 2: {}, 3: {}}
	req := base.Clone().InsertUintSet(KeySelectedMembers, members).Insert(KeyOperation, "P>10")

	it, err := ens.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.StructuredGrid)
	require.True(t, ok)

	assert.InDelta(t, 0.75, result.Data[0], 1e-6)
	require.NotNil(t, result.Bitmap)
	assert.False(t, result.Bitmap.Has(0, 0))
	assert.True(t, result.Bitmap.Has(0, 1))
	assert.True(t, result.Bitmap.Has(0, 2))
	assert.True(t, result.Bitmap.Has(0, 3))

	require.NoError(t, ens.Release(result))
}

func TestMaxMinReportsBothExtremeMembers(t *testing.T) {
	ctx := newTestContext()
	backend := gridreader.NewMemoryBackend()
	reader := gridreader.New("reader", backend, ctx)
	ens := New("ensemble", reader, ctx)

	base := baseRequest("2026-07-30T18:00:00Z")
	values := []float32{3, 9, 1}
	for m, v := range values {
		putMember(backend, base, uint(m), v)
	}

	members := map[uint]struct{}{0: {}, 1: {}, 2: {}}
	req := base.Clone().InsertUintSet(KeySelectedMembers, members).Insert(KeyOperation, OpMaxMin)

	it, err := ens.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.StructuredGrid)
	require.True(t, ok)

	assert.Equal(t, float32(8), result.Data[0]) // max(9) - min(1)
	assert.True(t, result.Bitmap.Has(0, 1))      // member contributing the max
	assert.True(t, result.Bitmap.Has(0, 2))      // member contributing the min
	assert.False(t, result.Bitmap.Has(0, 0))

	require.NoError(t, ens.Release(result))
}

func TestHybridSigmaResultHoldsLiveCompanionReference(t *testing.T) {
	ctx := newTestContext()
	backend := gridreader.NewMemoryBackend()
	reader := gridreader.New("reader", backend, ctx)
	ens := New("ensemble", reader, ctx)

	base := request.New().
		Insert("VARIABLE", "T").
		Insert("LEVELTYPE", "HYBRID_SIGMA").
		Insert("INIT_TIME", "2026-07-30T00:00:00Z").
		Insert("VALID_TIME", "2026-07-31T00:00:00Z")

	for m := uint(0); m < 2; m++ {
		mreq := base.Clone().InsertInt("MEMBER", int64(m))
		g := item.NewStructuredGrid("unused", "T", item.LevelTypeHybridSigma, 1, 1, 1)
		g.SetAt(0, 0, 0, float32(10+m))
		g.Finalize()
		backend.Put(mreq, g)

		auxReq := mreq.Clone().Insert("VARIABLE", "SURFACE_PRESSURE")
		aux := item.NewStructuredGrid("unused", "SURFACE_PRESSURE", item.LevelTypeHybridSigma, 1, 1, 1)
		aux.SetAt(0, 0, 0, 1000.0)
		aux.Finalize()
		backend.Put(auxReq, aux)
	}

	members := map[uint]struct{}{0: {}, 1: {}}
	req := base.Clone().InsertUintSet(KeySelectedMembers, members).Insert(KeyOperation, OpMean)

	it, err := ens.Get(req)
	require.NoError(t, err)
	result, ok := it.(*item.StructuredGrid)
	require.True(t, ok)

	require.NotEmpty(t, result.CompanionRequest)
	assert.True(t, ctx.Host.Contains(ens, result.CompanionRequest),
		"companion surface-pressure field must stay referenced for the dependent's lifetime")
	require.NoError(t, ctx.Host.Release(ens, result.CompanionRequest))

	require.NoError(t, ens.Release(result))
}
