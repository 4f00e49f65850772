package fiber_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/corevm/lang/fiber"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/value"
)

func makeDef(name string, params int, variadic bool, numSlots int) *value.FuncDef {
	return &value.FuncDef{Name: name, Params: params, Variadic: variadic, NumSlots: numSlots}
}

func TestPushAndFuncFrameBindsArgs(t *testing.T) {
	h := gc.NewHeap(gc.DefaultThreshold)
	def := makeDef("f", 2, false, 3)
	fn := value.NewFunction(h, def, nil)

	fv, err := fiber.New(h, fn, 16)
	require.NoError(t, err)
	require.Equal(t, 1, fiber.FrameDepth(fv))
	require.Equal(t, value.NilValue, fiber.Register(fv, 0))

	// simulate a second call with args pushed on top of the first frame
	fiber.Push2(fv, value.IntValue(1), value.IntValue(2))
	fn2 := value.NewFunction(h, makeDef("g", 2, false, 2), nil)
	require.NoError(t, fiber.FuncFrame(h, fv, fn2))
	require.Equal(t, 2, fiber.FrameDepth(fv))
	require.Equal(t, int32(1), fiber.Register(fv, 0).AsInt())
	require.Equal(t, int32(2), fiber.Register(fv, 1).AsInt())

	fiber.PopFrame(fv)
	require.Equal(t, 1, fiber.FrameDepth(fv))
}

func TestFuncFrameVariadicPacksExtraIntoTuple(t *testing.T) {
	h := gc.NewHeap(gc.DefaultThreshold)
	def := makeDef("f", 1, true, 2) // 1 fixed param, slot 1 holds the vararg tuple
	fn := value.NewFunction(h, def, nil)

	fv, err := fiber.New(h, value.NewFunction(h, makeDef("top", 0, false, 0), nil), 16)
	require.NoError(t, err)

	fiber.Push3(fv, value.IntValue(1), value.IntValue(2), value.IntValue(3))
	require.NoError(t, fiber.FuncFrame(h, fv, fn))

	require.Equal(t, int32(1), fiber.Register(fv, 0).AsInt())
	tup := fiber.Register(fv, 1)
	require.Equal(t, value.Tuple, tup.Tag())
	require.Equal(t, 2, value.TupleLen(tup))
	require.Equal(t, int32(2), value.TupleIndex(tup, 0).AsInt())
	require.Equal(t, int32(3), value.TupleIndex(tup, 1).AsInt())
}

func TestTailCallReusesFrameBase(t *testing.T) {
	h := gc.NewHeap(gc.DefaultThreshold)
	def := makeDef("self", 1, false, 1)
	fn := value.NewFunction(h, def, nil)

	fv, err := fiber.New(h, fn, 16)
	require.NoError(t, err)
	baseBefore := fiber.CurrentFrame(fv).Base

	for i := 0; i < 1000; i++ {
		fiber.Push(fv, value.IntValue(int32(i)))
		require.NoError(t, fiber.FuncFrameTail(h, fv, fn))
		require.Equal(t, 1, fiber.FrameDepth(fv), "tail call must not grow frame count")
		require.Equal(t, baseBefore, fiber.CurrentFrame(fv).Base, "tail call must reuse the same register base")
	}
}

func TestOpenEnvSurvivesPopFrame(t *testing.T) {
	h := gc.NewHeap(gc.DefaultThreshold)
	def := makeDef("outer", 0, false, 1)
	fn := value.NewFunction(h, def, nil)
	fv, err := fiber.New(h, fn, 16)
	require.NoError(t, err)

	fiber.SetRegister(fv, 0, value.IntValue(41))
	env, err := fiber.OpenEnv(h, fv)
	require.NoError(t, err)
	require.False(t, env.IsClosed())
	require.Equal(t, int32(41), env.Get(0).AsInt())

	fiber.PopFrame(fv)
	require.True(t, env.IsClosed())
	require.Equal(t, int32(41), env.Get(0).AsInt())

	env.Set(0, value.IntValue(42))
	require.Equal(t, int32(42), env.Get(0).AsInt())
}
