package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// gob encodes the Payload interface by concrete type, so every payload type
// must be registered before the first message is encoded
func init() {
	gob.Register(&vsr.Prepare{})
	gob.Register(&vsr.PrepareOk{})
	gob.Register(&vsr.Commit{})
	gob.Register(&vsr.StartViewChange{})
	gob.Register(&vsr.DoViewChange{})
	gob.Register(&vsr.StartView{})
	gob.Register(&vsr.GetState{})
	gob.Register(&vsr.GetStateResponse{})
	gob.Register(&vsr.RepairRequest{})
	gob.Register(&vsr.RepairResponse{})
	gob.Register(&vsr.RepairNack{})
	gob.Register(&vsr.Ping{})
	gob.Register(&vsr.Pong{})
}

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() ISerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the ISerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(msg vsr.Message) ([]byte, error) {
	// gob drops zero valued fields, a nil payload would round trip silently
	if msg.Payload == nil {
		return nil, fmt.Errorf("cannot serialize message without payload")
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(data []byte, msg *vsr.Message) error {
	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)
	return dec.Decode(msg)
}
