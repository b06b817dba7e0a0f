// Copyright 2026 The Lockstep Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/lockstep-foundation/lockstep/abi"
	"github.com/lockstep-foundation/lockstep/scheduler"
	"github.com/lockstep-foundation/lockstep/syscalls"
)

// errKilled unwinds a guest whose process the scheduler terminated
// mid-call. It traps the instance; Run recognizes it and exits clean.
var errKilled = errors.New("engine: process terminated")

// wasmRunner executes one compiled module as one guest process.
type wasmRunner struct {
	store  *wasmer.Store
	module *wasmer.Module
	logger *slog.Logger
}

// hostState is the per-instance bridge between host functions and the
// scheduler's syscall handshake. Memory is bound after instantiation;
// no host function runs before the first guest instruction, so the
// late binding is never observed.
type hostState struct {
	sys    scheduler.Syscall
	memory *wasmer.Memory
	killed bool
}

func (r *wasmRunner) Run(sys scheduler.Syscall) error {
	state := &hostState{sys: sys}

	imports := wasmer.NewImportObject()
	imports.Register("lockstep", r.hostFunctions(state))
	instance, err := wasmer.NewInstance(r.module, imports)
	if err != nil {
		return fmt.Errorf("instantiating module: %w", err)
	}
	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return fmt.Errorf("module exports no memory: %w", err)
	}
	state.memory = memory

	start, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return fmt.Errorf("module exports no _start: %w", err)
	}
	if _, err := start(); err != nil {
		if state.killed {
			return nil
		}
		return fmt.Errorf("guest trapped: %w", err)
	}

	// _start returned without proc_exit: an implicit clean exit.
	sys(abi.ProcExit{})
	return nil
}

// call forwards one system call through the scheduler handshake. A
// terminated verdict marks the instance killed and traps it.
func (h *hostState) call(call abi.Call) (syscalls.Result, abi.Errno, error) {
	res, errno, terminated := h.sys(call)
	if terminated {
		h.killed = true
		return res, errno, errKilled
	}
	return res, errno, nil
}

// Guest memory accessors. Wasm linear memory is little-endian; all
// pointers are guest offsets bounds-checked against the live memory
// size.

func (h *hostState) bytesAt(ptr, size int32) ([]byte, error) {
	data := h.memory.Data()
	if ptr < 0 || size < 0 || int64(ptr)+int64(size) > int64(len(data)) {
		return nil, fmt.Errorf("guest pointer %d+%d outside memory of %d bytes", ptr, size, len(data))
	}
	return data[ptr : int64(ptr)+int64(size)], nil
}

func (h *hostState) stringAt(ptr, size int32) (string, error) {
	b, err := h.bytesAt(ptr, size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *hostState) write(ptr int32, b []byte) error {
	dst, err := h.bytesAt(ptr, int32(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (h *hostState) putU32(ptr int32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return h.write(ptr, b[:])
}

func (h *hostState) putU64(ptr int32, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return h.write(ptr, b[:])
}

func errnoValue(errno abi.Errno) []wasmer.Value {
	return []wasmer.Value{wasmer.NewI32(int32(errno))}
}

// hostFunctions builds the "lockstep" import namespace. Every
// function returns an errno i32; out-parameters are guest pointers
// written only on success.
func (r *wasmRunner) hostFunctions(h *hostState) map[string]wasmer.IntoExtern {
	i32, i64 := wasmer.I32, wasmer.I64
	externs := make(map[string]wasmer.IntoExtern)
	register := func(name string, params, results []wasmer.ValueKind,
		impl func(args []wasmer.Value) ([]wasmer.Value, error)) {
		externs[name] = wasmer.NewFunction(r.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(params...), wasmer.NewValueTypes(results...)),
			impl)
	}

	register("path_open", []wasmer.ValueKind{i32, i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			path, err := h.stringAt(args[0].I32(), args[1].I32())
			if err != nil {
				return nil, err
			}
			res, errno, err := h.call(abi.PathOpen{
				Path:   path,
				Flags:  abi.OFlags(args[2].I32()),
				Append: args[3].I32() != 0,
			})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU32(args[4].I32(), uint32(res.FD)); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("fd_read", []wasmer.ValueKind{i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			res, errno, err := h.call(abi.FDRead{FD: abi.FD(args[0].I32()), Size: uint32(args[2].I32())})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.write(args[1].I32(), res.Data); err != nil {
					return nil, err
				}
				if err := h.putU32(args[3].I32(), uint32(len(res.Data))); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("fd_write", []wasmer.ValueKind{i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			data, err := h.bytesAt(args[1].I32(), args[2].I32())
			if err != nil {
				return nil, err
			}
			res, errno, err := h.call(abi.FDWrite{FD: abi.FD(args[0].I32()), Data: append([]byte(nil), data...)})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU32(args[3].I32(), res.N); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("fd_close", []wasmer.ValueKind{i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			_, errno, err := h.call(abi.FDClose{FD: abi.FD(args[0].I32())})
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	register("fd_seek", []wasmer.ValueKind{i32, i64, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			res, errno, err := h.call(abi.FDSeek{
				FD:     abi.FD(args[0].I32()),
				Offset: args[1].I64(),
				Whence: abi.Whence(args[2].I32()),
			})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU64(args[3].I32(), uint64(res.Offset)); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("fd_fdstat_get", []wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			res, errno, err := h.call(abi.FDStat{FD: abi.FD(args[0].I32())})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU32(args[1].I32(), uint32(res.Kind)); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("fd_readdir", []wasmer.ValueKind{i32, i32, i32, i64, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			bufPtr, bufLen := args[1].I32(), args[2].I32()
			cookie := uint64(args[3].I64())
			res, errno, err := h.call(abi.FDReaddir{
				FD:     abi.FD(args[0].I32()),
				Cookie: cookie,
				Size:   uint32(bufLen),
			})
			if err != nil {
				return nil, err
			}
			if errno != abi.ErrnoSuccess {
				return errnoValue(errno), nil
			}
			// Entry encoding: [kind u8][name-length u8][name bytes].
			// Entries that do not fit are left for the next call.
			var packed []byte
			written := 0
			for _, entry := range res.Entries {
				name := []byte(entry.Name)
				if len(name) > 255 || len(packed)+2+len(name) > int(bufLen) {
					break
				}
				kind := byte(0)
				if entry.Dir {
					kind = 1
				}
				packed = append(packed, kind, byte(len(name)))
				packed = append(packed, name...)
				written++
			}
			if err := h.write(bufPtr, packed); err != nil {
				return nil, err
			}
			if err := h.putU32(args[4].I32(), uint32(len(packed))); err != nil {
				return nil, err
			}
			if err := h.putU64(args[5].I32(), cookie+uint64(written)); err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	pathCall := func(build func(path string) abi.Call) func(args []wasmer.Value) ([]wasmer.Value, error) {
		return func(args []wasmer.Value) ([]wasmer.Value, error) {
			path, err := h.stringAt(args[0].I32(), args[1].I32())
			if err != nil {
				return nil, err
			}
			_, errno, err := h.call(build(path))
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		}
	}
	register("path_create_directory", []wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32},
		pathCall(func(path string) abi.Call { return abi.PathCreateDirectory{Path: path} }))
	register("path_remove_directory", []wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32},
		pathCall(func(path string) abi.Call { return abi.PathRemoveDirectory{Path: path} }))
	register("path_unlink_file", []wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32},
		pathCall(func(path string) abi.Call { return abi.PathUnlinkFile{Path: path} }))

	register("path_symlink", []wasmer.ValueKind{i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			oldPath, err := h.stringAt(args[0].I32(), args[1].I32())
			if err != nil {
				return nil, err
			}
			newPath, err := h.stringAt(args[2].I32(), args[3].I32())
			if err != nil {
				return nil, err
			}
			_, errno, err := h.call(abi.PathSymlink{OldPath: oldPath, NewPath: newPath})
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	register("sock_open", []wasmer.ValueKind{i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			res, errno, err := h.call(abi.SockOpen{
				Domain:   args[0].I32(),
				SockType: args[1].I32(),
				Protocol: args[2].I32(),
			})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU32(args[3].I32(), uint32(res.FD)); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("sock_listen", []wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			_, errno, err := h.call(abi.SockListen{FD: abi.FD(args[0].I32()), Backlog: args[1].I32()})
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	register("sock_accept", []wasmer.ValueKind{i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			res, errno, err := h.call(abi.SockAccept{FD: abi.FD(args[0].I32()), Flags: uint32(args[1].I32())})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU32(args[2].I32(), uint32(res.FD)); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("sock_connect", []wasmer.ValueKind{i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			addr, err := h.stringAt(args[1].I32(), args[2].I32())
			if err != nil {
				return nil, err
			}
			_, errno, err := h.call(abi.SockConnect{
				FD:   abi.FD(args[0].I32()),
				Addr: addr,
				Port: uint32(args[3].I32()),
			})
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	register("sock_send", []wasmer.ValueKind{i32, i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			data, err := h.bytesAt(args[1].I32(), args[2].I32())
			if err != nil {
				return nil, err
			}
			res, errno, err := h.call(abi.SockSend{
				FD:    abi.FD(args[0].I32()),
				Data:  append([]byte(nil), data...),
				Flags: uint32(args[3].I32()),
			})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU32(args[4].I32(), res.N); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("sock_recv", []wasmer.ValueKind{i32, i32, i32, i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			res, errno, err := h.call(abi.SockRecv{
				FD:    abi.FD(args[0].I32()),
				Size:  uint32(args[2].I32()),
				Flags: uint32(args[3].I32()),
			})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.write(args[1].I32(), res.Data); err != nil {
					return nil, err
				}
				if err := h.putU32(args[4].I32(), uint32(len(res.Data))); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("sock_shutdown", []wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			_, errno, err := h.call(abi.SockShutdown{FD: abi.FD(args[0].I32()), How: abi.Shutdown(args[1].I32())})
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	register("clock_time_get", []wasmer.ValueKind{i32}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			res, errno, err := h.call(abi.ClockTimeGet{})
			if err != nil {
				return nil, err
			}
			if errno == abi.ErrnoSuccess {
				if err := h.putU64(args[0].I32(), res.Nanos); err != nil {
					return nil, err
				}
			}
			return errnoValue(errno), nil
		})

	register("sleep", []wasmer.ValueKind{i64}, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			_, errno, err := h.call(abi.Sleep{Nanos: uint64(args[0].I64())})
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	register("sched_yield", nil, []wasmer.ValueKind{i32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			_, errno, err := h.call(abi.Yield{})
			if err != nil {
				return nil, err
			}
			return errnoValue(errno), nil
		})

	register("proc_exit", []wasmer.ValueKind{i32}, nil,
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			_, _, err := h.call(abi.ProcExit{Code: uint32(args[0].I32())})
			if err != nil {
				return nil, err
			}
			// The scheduler always terminates on proc_exit; reaching
			// here means the handshake misbehaved.
			return nil, errKilled
		})

	return externs
}
