package atomic

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// Int32 is an atomic int32 that serializes as a plain number.
type Int32 struct {
	atomic.Int32
}

func NewInt32(val int32) (i Int32) {
	i.Store(val)
	return
}

func (i *Int32) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Load())
}

func (i *Int32) UnmarshalJSON(b []byte) error {
	var v int32
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	i.Store(v)
	return nil
}

func (i *Int32) String() string {
	return strconv.FormatInt(int64(i.Load()), 10)
}

// Int64 is an atomic int64 that serializes as a plain number.
type Int64 struct {
	atomic.Int64
}

func NewInt64(val int64) (i Int64) {
	i.Store(val)
	return
}

func (i *Int64) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Load())
}

func (i *Int64) UnmarshalJSON(b []byte) error {
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	i.Store(v)
	return nil
}

func (i *Int64) String() string {
	return strconv.FormatInt(i.Load(), 10)
}

// Drain returns the current value and resets it to zero.
func (i *Int64) Drain() int64 {
	return i.Swap(0)
}
