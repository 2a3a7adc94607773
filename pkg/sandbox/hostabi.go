package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/uicp/compute-core/pkg/hostcap"
)

// hostModuleName is the import module name every compiled task binary
// declares for its host calls (clock, random, logging, partial output,
// cancellation, and scoped filesystem access).
const hostModuleName = "uicp"

// Result codes returned by host functions that can fail without
// trapping the guest outright, so a module can observe exhaustion or a
// denied path and wind down cleanly instead of being killed mid-write.
const (
	hostOK             = int32(0)
	hostErrFuel        = int32(-1)
	hostErrBounds      = int32(-2)
	hostErrDenied      = int32(-3)
	hostErrUnavailable = int32(-4)
)

// buildHostModule links only the capabilities present in caps as host
// imports under hostModuleName, returning the instantiated module so the
// caller can Close it once the guest invocation finishes. A nil field in
// caps means the job didn't request (or wasn't granted) that capability;
// the corresponding host function still exists so the guest's imports
// resolve, but it returns hostErrDenied (clock_now_unix_nano returns 0 and
// cancel_poll reports not cancelled).
func buildHostModule(ctx context.Context, rt wazero.Runtime, instanceName string, caps *hostcap.Set, logSink func(string)) (api.Module, error) {
	b := rt.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int64 {
		if caps.Clock == nil {
			return 0
		}
		return caps.Clock.NowUnixNano()
	}).Export("clock_now_unix_nano")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) int32 {
		if caps.Random == nil {
			return hostErrDenied
		}
		buf, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return hostErrBounds
		}
		caps.Random.Fill(buf)
		if !mod.Memory().Write(ptr, buf) {
			return hostErrBounds
		}
		return hostOK
	}).Export("random_fill")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) int32 {
		if caps.Logging == nil {
			return hostErrDenied
		}
		line, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return hostErrBounds
		}
		wrote, err := caps.Logging.Log(string(line), logWriter(logSink))
		if err != nil {
			return hostErrFuel
		}
		if !wrote {
			return hostErrUnavailable
		}
		return hostOK
	}).Export("log_write")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) int32 {
		if caps.PartialSink == nil {
			return hostErrDenied
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return hostErrBounds
		}
		if err := caps.PartialSink.Write(data); err != nil {
			return hostErrFuel
		}
		return hostOK
	}).Export("partial_write")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int32 {
		if caps.Cancel == nil {
			return hostOK
		}
		if caps.Cancel.Poll() {
			return int32(1)
		}
		return hostOK
	}).Export("cancel_poll")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr, outCap uint32) int32 {
		if caps.FS == nil {
			return hostErrDenied
		}
		pathBytes, ok := mod.Memory().Read(pathPtr, pathLen)
		if !ok {
			return hostErrBounds
		}
		data, err := caps.FS.ReadFile(string(pathBytes))
		if err != nil {
			return hostErrDenied
		}
		if uint32(len(data)) > outCap {
			return hostErrBounds
		}
		if !mod.Memory().Write(outPtr, data) {
			return hostErrBounds
		}
		return int32(len(data))
	}).Export("fs_read")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) int32 {
		if caps.FS == nil {
			return hostErrDenied
		}
		pathBytes, ok := mod.Memory().Read(pathPtr, pathLen)
		if !ok {
			return hostErrBounds
		}
		data, ok := mod.Memory().Read(dataPtr, dataLen)
		if !ok {
			return hostErrBounds
		}
		if err := caps.FS.WriteFile(string(pathBytes), data); err != nil {
			return hostErrDenied
		}
		return hostOK
	}).Export("fs_write")

	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox: link host module: %w", err)
	}
	return mod, nil
}

// logWriter adapts a func(string) callback to io.Writer so LoggingCap's
// Log method (which writes to an io.Writer sink) can feed the callback.
// Engine.Run collects these lines in a per-run buffer that is not part of
// the Result.
type logWriter func(string)

func (w logWriter) Write(p []byte) (int, error) {
	w(string(p))
	return len(p), nil
}
