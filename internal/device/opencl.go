//go:build opencl

package device

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static const char* ista_cl_error_string(cl_int status) {
	switch (status) {
	case CL_SUCCESS: return "CL_SUCCESS";
	case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
	case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
	case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
	case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
	case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
	case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
	case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
	case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
	case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
	case CL_INVALID_CONTEXT: return "CL_INVALID_CONTEXT";
	case CL_INVALID_COMMAND_QUEUE: return "CL_INVALID_COMMAND_QUEUE";
	case CL_INVALID_MEM_OBJECT: return "CL_INVALID_MEM_OBJECT";
	case CL_INVALID_PROGRAM: return "CL_INVALID_PROGRAM";
	case CL_INVALID_PROGRAM_EXECUTABLE: return "CL_INVALID_PROGRAM_EXECUTABLE";
	case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
	case CL_INVALID_KERNEL: return "CL_INVALID_KERNEL";
	case CL_INVALID_ARG_INDEX: return "CL_INVALID_ARG_INDEX";
	case CL_INVALID_ARG_VALUE: return "CL_INVALID_ARG_VALUE";
	case CL_INVALID_ARG_SIZE: return "CL_INVALID_ARG_SIZE";
	case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
	case CL_INVALID_WORK_DIMENSION: return "CL_INVALID_WORK_DIMENSION";
	case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
	case CL_INVALID_EVENT: return "CL_INVALID_EVENT";
	case CL_INVALID_OPERATION: return "CL_INVALID_OPERATION";
	case CL_INVALID_BUFFER_SIZE: return "CL_INVALID_BUFFER_SIZE";
	default: return "CL_UNKNOWN_ERROR";
	}
}
*/
import "C"

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// ensure interface compliance
var (
	_ Backend = (*OpenCLBackend)(nil)
	_ Buffer  = (*clBuffer)(nil)
	_ Kernel  = (*clKernel)(nil)
	_ Event   = (*clEvent)(nil)
)

// OpenCLBackend owns one OpenCL context and an in-order command queue.
type OpenCLBackend struct {
	device  C.cl_device_id
	context C.cl_context
	queue   C.cl_command_queue
	info    DeviceInfo

	mu     sync.Mutex
	closed bool
}

type deviceRecord struct {
	id   C.cl_device_id
	info DeviceInfo
}

// NewOpenCLBackend selects a device (GPU preferred, then CPU, then the first
// one reported) and creates a context and queue on it.
func NewOpenCLBackend() (Backend, error) {
	records, err := enumerateDeviceRecords()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoDevices
	}

	chosen := records[0]
	found := false
	for _, want := range []DeviceType{DeviceTypeGPU, DeviceTypeCPU} {
		for _, rec := range records {
			if rec.info.Type == want {
				chosen, found = rec, true
				break
			}
		}
		if found {
			break
		}
	}

	var status C.cl_int
	context := C.clCreateContext(nil, 1, &chosen.id, nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateContext", status)
	}

	queue := C.clCreateCommandQueue(context, chosen.id, 0, &status)
	if status != C.CL_SUCCESS {
		C.clReleaseContext(context)
		return nil, statusError("clCreateCommandQueue", status)
	}

	log.Info().
		Str("device", chosen.info.Name).
		Str("vendor", chosen.info.Vendor).
		Int("compute_units", chosen.info.ComputeUnits).
		Bool("fp64", chosen.info.DoublePrecision).
		Msg("OpenCL backend initialised")

	return &OpenCLBackend{
		device:  chosen.id,
		context: context,
		queue:   queue,
		info:    chosen.info,
	}, nil
}

// EnumerateDevices lists every OpenCL device on every platform.
func EnumerateDevices() ([]DeviceInfo, error) {
	records, err := enumerateDeviceRecords()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, len(records))
	for i, rec := range records {
		out[i] = rec.info
	}
	return out, nil
}

func (b *OpenCLBackend) Name() string     { return "OpenCL" }
func (b *OpenCLBackend) Info() DeviceInfo { return b.info }

func (b *OpenCLBackend) Synchronize() error {
	if b.isClosed() {
		return ErrBackendClosed
	}
	if status := C.clFinish(b.queue); status != C.CL_SUCCESS {
		return statusError("clFinish", status)
	}
	return nil
}

func (b *OpenCLBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	C.clFinish(b.queue)
	C.clReleaseCommandQueue(b.queue)
	C.clReleaseContext(b.context)
	log.Debug().Msg("OpenCL backend closed")
	return nil
}

func (b *OpenCLBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Compile builds the program for the selected device and creates its kernel.
func (b *OpenCLBackend) Compile(p Program) (Kernel, error) {
	if b.isClosed() {
		return nil, ErrBackendClosed
	}
	if p.Precision == Float64 && !b.info.DoublePrecision {
		return nil, fmt.Errorf("%w: %s lacks cl_khr_fp64", ErrUnsupportedPrecision, b.info.Name)
	}
	start := time.Now()

	source := C.CString(p.Source)
	defer C.free(unsafe.Pointer(source))

	var status C.cl_int
	program := C.clCreateProgramWithSource(b.context, 1, &source, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, fmt.Errorf("%w: %v", ErrCompile, statusError("clCreateProgramWithSource", status))
	}

	status = C.clBuildProgram(program, 1, &b.device, nil, nil, nil)
	if status != C.CL_SUCCESS {
		b.dumpBuildLog(program, p.Name)
		C.clReleaseProgram(program)
		return nil, fmt.Errorf("%w: %s: %v", ErrCompile, p.Name, statusError("clBuildProgram", status))
	}

	entry := C.CString(p.Entry)
	defer C.free(unsafe.Pointer(entry))
	kernel := C.clCreateKernel(program, entry, &status)
	if status != C.CL_SUCCESS {
		C.clReleaseProgram(program)
		return nil, fmt.Errorf("%w: %s: %v", ErrCompile, p.Name, statusError("clCreateKernel", status))
	}

	var nargs C.cl_uint
	status = C.clGetKernelInfo(kernel, C.CL_KERNEL_NUM_ARGS, C.size_t(unsafe.Sizeof(nargs)), unsafe.Pointer(&nargs), nil)
	if status != C.CL_SUCCESS {
		C.clReleaseKernel(kernel)
		C.clReleaseProgram(program)
		return nil, statusError("clGetKernelInfo(numArgs)", status)
	}

	compileDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	log.Debug().
		Str("program", p.Name).
		Str("entry", p.Entry).
		Stringer("precision", p.Precision).
		Dur("elapsed", time.Since(start)).
		Msg("Kernel compiled")

	return &clKernel{
		backend:   b,
		program:   program,
		kernel:    kernel,
		name:      p.Name,
		precision: p.Precision,
		arity:     int(nargs),
	}, nil
}

func (b *OpenCLBackend) dumpBuildLog(program C.cl_program, name string) {
	var logSize C.size_t
	if status := C.clGetProgramBuildInfo(program, b.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &logSize); status != C.CL_SUCCESS || logSize == 0 {
		return
	}

	buf := make([]byte, int(logSize))
	if status := C.clGetProgramBuildInfo(program, b.device, C.CL_PROGRAM_BUILD_LOG, logSize, unsafe.Pointer(&buf[0]), nil); status != C.CL_SUCCESS {
		log.Error().Int("status", int(status)).Msg("OpenCL: failed to fetch build log")
		return
	}
	log.Error().Str("program", name).Str("log", trimNull(buf)).Msg("OpenCL build log")
}

func (b *OpenCLBackend) NewBuffer(n int, p Precision) (Buffer, error) {
	if b.isClosed() {
		return nil, ErrBackendClosed
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: buffer of %d elements", ErrInvalidLength, n)
	}
	if p != Float32 && p != Float64 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPrecision, p)
	}

	var status C.cl_int
	mem := C.clCreateBuffer(b.context, C.CL_MEM_READ_WRITE, C.size_t(n*p.Size()), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, statusError("clCreateBuffer", status)
	}
	buffersLive.WithLabelValues(b.Name()).Inc()
	return &clBuffer{backend: b, mem: mem, n: n, precision: p}, nil
}

type clBuffer struct {
	backend   *OpenCLBackend
	mem       C.cl_mem
	n         int
	precision Precision
	once      sync.Once
}

func (c *clBuffer) Len() int             { return c.n }
func (c *clBuffer) Precision() Precision { return c.precision }

func hostPointer(host any) unsafe.Pointer {
	switch h := host.(type) {
	case []float32:
		return unsafe.Pointer(&h[0])
	case []float64:
		return unsafe.Pointer(&h[0])
	}
	return nil
}

func (c *clBuffer) Upload(src any) error {
	if err := checkHostSlice(src, c.precision, c.n); err != nil {
		return err
	}
	if c.mem == nil {
		return ErrReleased
	}
	bytes := c.n * c.precision.Size()
	status := C.clEnqueueWriteBuffer(c.backend.queue, c.mem, C.CL_TRUE, 0, C.size_t(bytes), hostPointer(src), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueWriteBuffer", status)
	}
	transferBytes.WithLabelValues(c.backend.Name(), directionToDevice).Add(float64(bytes))
	return nil
}

func (c *clBuffer) Download(dst any) error {
	if err := checkHostSlice(dst, c.precision, c.n); err != nil {
		return err
	}
	if c.mem == nil {
		return ErrReleased
	}
	bytes := c.n * c.precision.Size()
	status := C.clEnqueueReadBuffer(c.backend.queue, c.mem, C.CL_TRUE, 0, C.size_t(bytes), hostPointer(dst), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return statusError("clEnqueueReadBuffer", status)
	}
	transferBytes.WithLabelValues(c.backend.Name(), directionToHost).Add(float64(bytes))
	return nil
}

func (c *clBuffer) Release() {
	c.once.Do(func() {
		C.clReleaseMemObject(c.mem)
		c.mem = nil
		buffersLive.WithLabelValues(c.backend.Name()).Dec()
	})
}

type clKernel struct {
	backend   *OpenCLBackend
	program   C.cl_program
	kernel    C.cl_kernel
	name      string
	precision Precision
	arity     int

	// Arguments are kernel state in OpenCL; setting them and enqueueing must
	// not interleave.
	mu       sync.Mutex
	released bool
}

func (k *clKernel) Name() string         { return k.name }
func (k *clKernel) Precision() Precision { return k.precision }
func (k *clKernel) Arity() int           { return k.arity }

func (k *clKernel) Enqueue(global int, args ...Buffer) (Event, error) {
	if global <= 0 {
		return nil, fmt.Errorf("%w: global size %d", ErrInvalidLength, global)
	}
	if len(args) != k.arity {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArity, k.name, k.arity, len(args))
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil, fmt.Errorf("%w: kernel %s", ErrReleased, k.name)
	}

	for i, a := range args {
		cb, ok := a.(*clBuffer)
		if !ok || cb.backend != k.backend {
			return nil, fmt.Errorf("%w: argument %d of %s", ErrForeignBuffer, i, k.name)
		}
		if cb.precision != k.precision {
			return nil, fmt.Errorf("%w: argument %d is %s, kernel %s is %s", ErrPrecisionMismatch, i, cb.precision, k.name, k.precision)
		}
		if cb.mem == nil {
			return nil, fmt.Errorf("%w: argument %d of %s", ErrReleased, i, k.name)
		}
		status := C.clSetKernelArg(k.kernel, C.cl_uint(i), C.size_t(unsafe.Sizeof(cb.mem)), unsafe.Pointer(&cb.mem))
		if status != C.CL_SUCCESS {
			return nil, statusError(fmt.Sprintf("clSetKernelArg(%d)", i), status)
		}
	}

	size := C.size_t(global)
	var event C.cl_event
	status := C.clEnqueueNDRangeKernel(k.backend.queue, k.kernel, 1, nil, &size, nil, 0, nil, &event)
	if status != C.CL_SUCCESS {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, k.name, statusError("clEnqueueNDRangeKernel", status))
	}
	C.clFlush(k.backend.queue)

	kernelLaunches.WithLabelValues(k.backend.Name(), k.name).Inc()
	return &clEvent{event: event, name: k.name}, nil
}

func (k *clKernel) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return
	}
	k.released = true
	C.clReleaseKernel(k.kernel)
	C.clReleaseProgram(k.program)
}

type clEvent struct {
	event C.cl_event
	name  string
	once  sync.Once
	err   error
}

func (e *clEvent) Wait() error {
	e.once.Do(func() {
		if status := C.clWaitForEvents(1, &e.event); status != C.CL_SUCCESS {
			e.err = fmt.Errorf("%w: %s: %v", ErrLaunch, e.name, statusError("clWaitForEvents", status))
		}
		C.clReleaseEvent(e.event)
	})
	return e.err
}

func enumerateDeviceRecords() ([]deviceRecord, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}

	platformIDs := make([]C.cl_platform_id, int(count))
	status = C.clGetPlatformIDs(count, &platformIDs[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	var records []deviceRecord
	for _, pid := range platformIDs {
		devices, err := enumeratePlatformDevices(pid)
		if errors.Is(err, ErrNoDevices) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, devices...)
	}
	return records, nil
}

func enumeratePlatformDevices(platform C.cl_platform_id) ([]deviceRecord, error) {
	var count C.cl_uint
	status := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, 0, nil, &count)
	if status == C.CL_DEVICE_NOT_FOUND || (status == C.CL_SUCCESS && count == 0) {
		return nil, ErrNoDevices
	}
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(count)", status)
	}

	ids := make([]C.cl_device_id, int(count))
	status = C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, count, &ids[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetDeviceIDs(list)", status)
	}

	records := make([]deviceRecord, 0, len(ids))
	for _, id := range ids {
		info, err := buildDeviceInfo(id)
		if err != nil {
			return nil, err
		}
		records = append(records, deviceRecord{id: id, info: info})
	}
	return records, nil
}

func buildDeviceInfo(id C.cl_device_id) (DeviceInfo, error) {
	name, err := getDeviceString(id, C.CL_DEVICE_NAME)
	if err != nil {
		return DeviceInfo{}, err
	}
	vendor, err := getDeviceString(id, C.CL_DEVICE_VENDOR)
	if err != nil {
		return DeviceInfo{}, err
	}
	version, err := getDeviceString(id, C.CL_DEVICE_VERSION)
	if err != nil {
		return DeviceInfo{}, err
	}
	extensions, err := getDeviceString(id, C.CL_DEVICE_EXTENSIONS)
	if err != nil {
		return DeviceInfo{}, err
	}

	var rawType C.cl_device_type
	status := C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(rawType)), unsafe.Pointer(&rawType), nil)
	if status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(type)", status)
	}

	var computeUnits C.cl_uint
	status = C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(computeUnits)), unsafe.Pointer(&computeUnits), nil)
	if status != C.CL_SUCCESS {
		return DeviceInfo{}, statusError("clGetDeviceInfo(computeUnits)", status)
	}

	return DeviceInfo{
		Name:            name,
		Vendor:          vendor,
		Version:         version,
		Type:            mapDeviceType(rawType),
		ComputeUnits:    int(computeUnits),
		DoublePrecision: strings.Contains(extensions, "cl_khr_fp64"),
	}, nil
}

func getDeviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	status := C.clGetDeviceInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, int(size))
	status = C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}
	return trimNull(buf), nil
}

func trimNull(buf []byte) string {
	if len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func mapDeviceType(dt C.cl_device_type) DeviceType {
	switch {
	case dt&C.CL_DEVICE_TYPE_GPU != 0:
		return DeviceTypeGPU
	case dt&C.CL_DEVICE_TYPE_CPU != 0:
		return DeviceTypeCPU
	case dt&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return DeviceTypeAccelerator
	case dt&C.CL_DEVICE_TYPE_DEFAULT != 0:
		return DeviceTypeDefault
	default:
		return DeviceTypeUnknown
	}
}

func statusError(prefix string, status C.cl_int) error {
	return fmt.Errorf("%s: %s (%d)", prefix, C.GoString(C.ista_cl_error_string(status)), int(status))
}
