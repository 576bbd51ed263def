package triton

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// The opaque payload is a zlib-compressed JSON record: a discriminated
// union of exactly two variants, kernel_call and autotuned_kernel_call.
// The record types below are the wire schema; they are exported so payload
// tooling (cmd/tritondump) can work on them directly.

// Record is the top-level payload record. Exactly one variant is set.
type Record struct {
	KernelCall          *KernelCallRecord          `json:"kernel_call,omitempty"`
	AutotunedKernelCall *AutotunedKernelCallRecord `json:"autotuned_kernel_call,omitempty"`
}

// KernelRecord is the wire form of a Kernel.
type KernelRecord struct {
	KernelName     string `json:"kernel_name"`
	NumWarps       uint32 `json:"num_warps"`
	SharedMemBytes uint32 `json:"shared_mem_bytes"`
	Asm            string `json:"asm"`
	IR             string `json:"ir,omitempty"`
	Arch           int    `json:"arch"`
}

// ArrayRecord is the wire form of an array parameter descriptor.
type ArrayRecord struct {
	BytesToZero     uint64 `json:"bytes_to_zero,omitempty"`
	PtrDivisibility uint64 `json:"ptr_divisibility,omitempty"`
}

// ParameterRecord is the wire form of a Parameter: exactly one variant
// field is set.
type ParameterRecord struct {
	Array *ArrayRecord `json:"array,omitempty"`
	Bool  *bool        `json:"bool,omitempty"`
	I32   *int32       `json:"i32,omitempty"`
	U32   *uint32      `json:"u32,omitempty"`
	I64   *int64       `json:"i64,omitempty"`
	U64   *uint64      `json:"u64,omitempty"`
}

// KernelCallRecord is the wire form of a KernelCall.
type KernelCallRecord struct {
	Kernel     KernelRecord      `json:"kernel"`
	Grid       [3]uint32         `json:"grid"`
	Parameters []ParameterRecord `json:"parameters,omitempty"`
}

// ConfigRecord is the wire form of one autotuning candidate.
type ConfigRecord struct {
	KernelCall  KernelCallRecord `json:"kernel_call"`
	Description string           `json:"description,omitempty"`
}

// InputOutputAliasRecord is the wire form of an aliasing triple.
type InputOutputAliasRecord struct {
	InputBufferIdx  int    `json:"input_buffer_idx"`
	OutputBufferIdx int    `json:"output_buffer_idx"`
	BufferSizeBytes uint64 `json:"buffer_size_bytes"`
}

// AutotunedKernelCallRecord is the wire form of an AutotunedKernelCall.
type AutotunedKernelCallRecord struct {
	Name               string                   `json:"name"`
	Configs            []ConfigRecord           `json:"configs"`
	InputOutputAliases []InputOutputAliasRecord `json:"input_output_aliases,omitempty"`
}

// uncompress inflates a zlib payload of unknown uncompressed size: the
// output buffer starts at five times the compressed size and doubles until
// the decompressor reports the end of the stream.
func uncompress(compressed []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &ParseError{Msg: "failed to uncompress opaque data", Err: err}
	}
	defer func() { _ = reader.Close() }()

	buf := make([]byte, max(5*len(compressed), 64))
	n := 0
	for {
		if n == len(buf) {
			grown := make([]byte, 2*len(buf))
			copy(grown, buf)
			buf = grown
		}
		m, err := reader.Read(buf[n:])
		n += m
		if err == io.EOF {
			return buf[:n], nil
		}
		if err != nil {
			return nil, &ParseError{Msg: "failed to uncompress opaque data", Err: err}
		}
	}
}

// DecodeRecord decompresses and decodes an opaque payload into its wire
// record, without constructing a launchable call.
func DecodeRecord(opaque []byte) (*Record, error) {
	serialized, err := uncompress(opaque)
	if err != nil {
		return nil, err
	}
	record := &Record{}
	if err := json.Unmarshal(serialized, record); err != nil {
		return nil, &ParseError{Msg: "failed to parse serialized data", Err: err}
	}
	return record, nil
}

// KernelCallFromOpaque returns the call object for an opaque payload,
// decoding it exactly once per distinct payload: subsequent calls with the
// same bytes return the identical instance. Entries have process lifetime.
func (d *Dispatcher) KernelCallFromOpaque(opaque []byte) (Call, error) {
	key := string(opaque)
	d.callsMu.Lock()
	defer d.callsMu.Unlock()
	if call, found := d.calls[key]; found {
		return call, nil
	}

	record, err := DecodeRecord(opaque)
	if err != nil {
		return nil, err
	}
	var call Call
	switch {
	case record.KernelCall != nil:
		call, err = kernelCallFromRecord(d, record.KernelCall)
	case record.AutotunedKernelCall != nil:
		call, err = autotunedKernelCallFromRecord(d, record.AutotunedKernelCall)
	default:
		return nil, &ParseError{Msg: "unknown kernel call type"}
	}
	if err != nil {
		return nil, err
	}
	d.calls[key] = call
	return call, nil
}

func kernelFromRecord(record *KernelRecord) Kernel {
	return NewKernel(record.KernelName, record.NumWarps, record.SharedMemBytes,
		record.Asm, record.IR, record.Arch)
}

func parameterFromRecord(record *ParameterRecord) (Parameter, error) {
	switch {
	case record.Array != nil:
		return NewArrayParameter(record.Array.BytesToZero, record.Array.PtrDivisibility), nil
	case record.Bool != nil:
		return NewBoolParameter(*record.Bool), nil
	case record.I32 != nil:
		return NewInt32Parameter(*record.I32), nil
	case record.U32 != nil:
		return NewUint32Parameter(*record.U32), nil
	case record.I64 != nil:
		return NewInt64Parameter(*record.I64), nil
	case record.U64 != nil:
		return NewUint64Parameter(*record.U64), nil
	}
	return Parameter{}, &InvalidArgumentError{Msg: "unknown scalar parameter type"}
}

func kernelCallFromRecord(d *Dispatcher, record *KernelCallRecord) (*KernelCall, error) {
	parameters := make([]Parameter, 0, len(record.Parameters))
	for i := range record.Parameters {
		parameter, err := parameterFromRecord(&record.Parameters[i])
		if err != nil {
			return nil, err
		}
		parameters = append(parameters, parameter)
	}
	kernel := kernelFromRecord(&record.Kernel)
	return NewKernelCall(d, kernel, record.Grid[0], record.Grid[1], record.Grid[2], parameters), nil
}

func autotunedKernelCallFromRecord(d *Dispatcher, record *AutotunedKernelCallRecord) (*AutotunedKernelCall, error) {
	configs := make([]Config, 0, len(record.Configs))
	for i := range record.Configs {
		call, err := kernelCallFromRecord(d, &record.Configs[i].KernelCall)
		if err != nil {
			return nil, err
		}
		configs = append(configs, Config{KernelCall: call, Description: record.Configs[i].Description})
	}
	aliases := make([]InputOutputAlias, 0, len(record.InputOutputAliases))
	for _, alias := range record.InputOutputAliases {
		aliases = append(aliases, InputOutputAlias{
			InputIdx:  alias.InputBufferIdx,
			OutputIdx: alias.OutputBufferIdx,
			SizeBytes: alias.BufferSizeBytes,
		})
	}
	return NewAutotunedKernelCall(d, record.Name, configs, aliases), nil
}

func (k *Kernel) record() KernelRecord {
	return KernelRecord{
		KernelName:     k.kernelName,
		NumWarps:       k.blockDimX / NumThreadsPerWarp,
		SharedMemBytes: k.sharedMemBytes,
		Asm:            k.asm,
		IR:             k.ir,
		Arch:           k.arch,
	}
}

func (p *Parameter) record() ParameterRecord {
	switch p.kind {
	case ParamArray:
		array := p.array
		return ParameterRecord{Array: &ArrayRecord{BytesToZero: array.BytesToZero, PtrDivisibility: array.PtrDivisibility}}
	case ParamBool:
		value := p.scalar != 0
		return ParameterRecord{Bool: &value}
	case ParamInt32:
		value := int32(uint32(p.scalar))
		return ParameterRecord{I32: &value}
	case ParamUint32:
		value := uint32(p.scalar)
		return ParameterRecord{U32: &value}
	case ParamInt64:
		value := int64(p.scalar)
		return ParameterRecord{I64: &value}
	case ParamUint64:
		value := p.scalar
		return ParameterRecord{U64: &value}
	}
	exceptions.Panicf("unknown parameter kind %d", p.kind)
	return ParameterRecord{}
}

func (c *KernelCall) record() *KernelCallRecord {
	record := &KernelCallRecord{
		Kernel: c.kernel.record(),
		Grid:   c.grid,
	}
	for i := range c.parameters {
		record.Parameters = append(record.Parameters, c.parameters[i].record())
	}
	return record
}

func (a *AutotunedKernelCall) record() *AutotunedKernelCallRecord {
	record := &AutotunedKernelCallRecord{Name: a.name}
	for i := range a.configs {
		record.Configs = append(record.Configs, ConfigRecord{
			KernelCall:  *a.configs[i].KernelCall.record(),
			Description: a.configs[i].Description,
		})
	}
	for _, alias := range a.aliases {
		record.InputOutputAliases = append(record.InputOutputAliases, InputOutputAliasRecord{
			InputBufferIdx:  alias.InputIdx,
			OutputBufferIdx: alias.OutputIdx,
			BufferSizeBytes: alias.SizeBytes,
		})
	}
	return record
}

// EncodeKernelCall serializes and compresses a single kernel call into an
// opaque payload accepted by Execute.
func EncodeKernelCall(call *KernelCall) ([]byte, error) {
	return encodeRecord(&Record{KernelCall: call.record()})
}

// EncodeAutotunedKernelCall serializes and compresses an autotuned kernel
// call into an opaque payload accepted by Execute.
func EncodeAutotunedKernelCall(call *AutotunedKernelCall) ([]byte, error) {
	return encodeRecord(&Record{AutotunedKernelCall: call.record()})
}

func encodeRecord(record *Record) ([]byte, error) {
	serialized, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "serializing kernel call record")
	}
	var compressed bytes.Buffer
	writer := zlib.NewWriter(&compressed)
	if _, err := writer.Write(serialized); err != nil {
		return nil, errors.Wrap(err, "compressing kernel call record")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing kernel call record")
	}
	return compressed.Bytes(), nil
}
