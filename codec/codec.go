// Package codec converts servants and persistent object records to bytes.
package codec

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec marshals servants of one category.
type Codec interface {
	Marshal(servant interface{}) ([]byte, error)
	Unmarshal(data []byte) (servant interface{}, err error)
}

// Msgpack codec. New must return pointer to new zero servant, which will be decoded into.
type Msgpack struct {
	New func() interface{}
}

var _ Codec = Msgpack{}

func (c Msgpack) Marshal(servant interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(servant)
	return data, errors.Wrap(err, "marshal servant")
}

func (c Msgpack) Unmarshal(data []byte) (interface{}, error) {
	servant := c.New()
	err := msgpack.Unmarshal(data, servant)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal servant")
	}
	return servant, nil
}

// Stats are persistent object statistics. Times are unix milliseconds.
type Stats struct {
	Created     int64 `msgpack:"c"`
	LastSave    int64 `msgpack:"l"`
	AvgSaveTime int64 `msgpack:"a"`
}

// Update records save at now.
func (s *Stats) Update(now int64) {
	if s.Created == 0 {
		s.Created = now
	}
	if s.LastSave == 0 {
		s.LastSave = now
		return
	}
	diff := now - s.LastSave
	s.LastSave = now
	if s.AvgSaveTime == 0 {
		s.AvgSaveTime = diff
		return
	}
	s.AvgSaveTime = (s.AvgSaveTime*95 + diff*5) / 100
}

// Record is persisted object: marshaled servant and its statistics.
type Record struct {
	Servant []byte `msgpack:"s"`
	Stats   Stats  `msgpack:"t"`
}

func EncodeRecord(r Record) ([]byte, error) {
	data, err := msgpack.Marshal(&r)
	return data, errors.Wrap(err, "encode record")
}

func DecodeRecord(data []byte) (r Record, err error) {
	err = errors.Wrap(msgpack.Unmarshal(data, &r), "decode record")
	return
}
