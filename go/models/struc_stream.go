package models

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
)

// StrucStream packs and unpacks struc-tagged values with a fixed byte order.
type StrucStream struct {
	Stream io.ReadWriter
	Order  binary.ByteOrder
}

func NewStrucStream(rw io.ReadWriter, order binary.ByteOrder) *StrucStream {
	return &StrucStream{Stream: rw, Order: order}
}

func (s *StrucStream) options() *struc.Options {
	return &struc.Options{Order: s.Order}
}

func (s *StrucStream) Pack(i interface{}) error {
	return struc.PackWithOptions(s.Stream, i, s.options())
}

func (s *StrucStream) Unpack(i interface{}) error {
	return struc.UnpackWithOptions(s.Stream, i, s.options())
}
