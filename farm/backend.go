package farm

import (
	"errors"
	"fmt"
	"time"

	"github.com/meowminer/gominer/types"
)

//Errors a backend reports from InitEpoch. Anything else wrapped in
// FatalDeviceError terminates the process; other errors pause the miner.
var (
	ErrInsufficientMemory = errors.New("insufficient device memory for DAG")
	ErrInitEpoch          = errors.New("device epoch initialization failed")
)

//FatalDeviceError signals a device failure mining cannot recover from
type FatalDeviceError struct {
	Err error
}

func (e *FatalDeviceError) Error() string {
	return fmt.Sprintf("fatal device error: %v", e.Err)
}

func (e *FatalDeviceError) Unwrap() error { return e.Err }

//SearchResult is one candidate found by a backend batch
type SearchResult struct {
	Nonce uint64
	Mix   types.Hash256
}

//ComputeBackend abstracts the device that actually hashes. The farm
// drives it batch by batch; a batch must be bounded so the miner can
// observe new work between launches. Kernel compilation is keyed by
// period seed and lands in one of two slots so the next period's kernel
// is built while the current one searches.
type ComputeBackend interface {
	Name() string
	InitDevice() error
	InitEpoch(ctx *EpochContext) error
	CompileKernel(periodSeed uint64, slot int) error
	Search(slot int, wp types.WorkPackage, startNonce, upperTarget uint64) ([]SearchResult, uint32, error)
}

//NullBackend consumes work without hashing. It keeps the dispatch loop
// exercisable where no real device is present.
type NullBackend struct {
	BatchSize  uint32
	BatchDelay time.Duration
}

func NewNullBackend() *NullBackend {
	return &NullBackend{BatchSize: 1 << 16, BatchDelay: 10 * time.Millisecond}
}

func (nb *NullBackend) Name() string      { return "null" }
func (nb *NullBackend) InitDevice() error { return nil }

func (nb *NullBackend) InitEpoch(ctx *EpochContext) error { return nil }

func (nb *NullBackend) CompileKernel(periodSeed uint64, slot int) error { return nil }

func (nb *NullBackend) Search(slot int, wp types.WorkPackage, startNonce, upperTarget uint64) ([]SearchResult, uint32, error) {
	time.Sleep(nb.BatchDelay)
	return nil, nb.BatchSize, nil
}
