package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/stylectl/internal/shm"
)

// Message type IDs. Jobs flow driver -> worker, results worker -> driver.
const (
	MsgFeature        uint16 = 1
	MsgGradient       uint16 = 2
	MsgSetReferences  uint16 = 3
	MsgThreadBudget   uint16 = 4
	MsgFeatureResult  uint16 = 5
	MsgGradientResult uint16 = 6
	MsgAck            uint16 = 7
	MsgError          uint16 = 8
)

var ErrUnknownMessage = errors.New("protocol: unknown message type")

// Offset is a spatial (row, column) coordinate. Tile origins double as
// correlation keys for reassembly, so results echo them verbatim.
type Offset struct {
	Y int `json:"y"`
	X int `json:"x"`
}

// IsZero reports whether the offset is (0, 0).
func (o Offset) IsZero() bool {
	return o.Y == 0 && o.X == 0
}

// Job is the closed set of messages a worker accepts.
type Job interface{ jobType() uint16 }

// Result is the closed set of messages a worker emits.
type Result interface{ resultType() uint16 }

// FeatureJob asks for one forward pass over a tile, returning the
// activations of each requested layer. The worker releases Tile.
type FeatureJob struct {
	Origin Offset     `json:"origin"`
	Tile   shm.Handle `json:"tile"`
	Layers []string   `json:"layers"`
}

// GradientJob asks for the content+style gradient of a tile. Roll is the
// jitter offset currently applied to the full image, which the worker
// mirrors onto its reference data for the duration of the job.
type GradientJob struct {
	Origin         Offset             `json:"origin"`
	End            Offset             `json:"end"`
	Tile           shm.Handle         `json:"tile"`
	Roll           Offset             `json:"roll"`
	ContentLayers  []string           `json:"content_layers"`
	StyleLayers    []string           `json:"style_layers"`
	DDLayers       []string           `json:"dd_layers"`
	LayerWeights   map[string]float32 `json:"layer_weights"`
	ContentWeights map[string]float32 `json:"content_weights"`
	StyleWeights   map[string]float32 `json:"style_weights"`
	DDWeights      map[string]float32 `json:"dd_weights"`
}

// ContentRefs carries one content image's reference tensors by handle.
type ContentRefs struct {
	Features map[string]shm.Handle `json:"features"`
	Masks    map[string]shm.Handle `json:"masks"`
}

// StyleRefs carries one style image's Gram matrices and masks by handle.
type StyleRefs struct {
	Grams map[string]shm.Handle `json:"grams"`
	Masks map[string]shm.Handle `json:"masks"`
}

// SetReferencesJob replaces the worker's reference data wholesale. The
// worker acknowledges after copying every payload; the driver treats the
// acknowledgement as a barrier.
type SetReferencesJob struct {
	Contents []ContentRefs `json:"contents"`
	Styles   []StyleRefs   `json:"styles"`
}

// ThreadBudgetJob adjusts the worker's compute parallelism cap.
type ThreadBudgetJob struct {
	Threads int `json:"threads"`
}

// FeatureResult carries one tile's per-layer activations. Ownership of the
// handles passes to the receiver.
type FeatureResult struct {
	Origin   Offset                `json:"origin"`
	Features map[string]shm.Handle `json:"features"`
}

// GradientResult carries one tile's gradient and loss contribution.
type GradientResult struct {
	Origin Offset     `json:"origin"`
	End    Offset     `json:"end"`
	Loss   float32    `json:"loss"`
	Grad   shm.Handle `json:"grad"`
}

// AckResult acknowledges a barrier job.
type AckResult struct{}

// ErrorResult reports a worker-side failure for the correlated job.
type ErrorResult struct {
	Message string `json:"message"`
}

func (FeatureJob) jobType() uint16       { return MsgFeature }
func (GradientJob) jobType() uint16      { return MsgGradient }
func (SetReferencesJob) jobType() uint16 { return MsgSetReferences }
func (ThreadBudgetJob) jobType() uint16  { return MsgThreadBudget }

func (FeatureResult) resultType() uint16  { return MsgFeatureResult }
func (GradientResult) resultType() uint16 { return MsgGradientResult }
func (AckResult) resultType() uint16      { return MsgAck }
func (ErrorResult) resultType() uint16    { return MsgError }

// WriteJob frames and writes one job.
func WriteJob(w io.Writer, id uint64, j Job, limits Limits) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("protocol: encode job: %w", err)
	}
	f := Frame{Header: Header{MessageType: j.jobType(), MessageID: id}, Payload: payload}
	return WriteFrame(w, f, limits)
}

// WriteResult frames and writes one result, echoing the job's message id.
func WriteResult(w io.Writer, id uint64, r Result, limits Limits) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("protocol: encode result: %w", err)
	}
	flags := FlagResponse
	if r.resultType() == MsgError {
		flags |= FlagError
	}
	f := Frame{Header: Header{MessageType: r.resultType(), MessageID: id, Flags: flags}, Payload: payload}
	return WriteFrame(w, f, limits)
}

// DecodeJob parses a frame into its job variant. Unknown types are an error,
// never a silent skip.
func DecodeJob(f Frame) (Job, error) {
	switch f.Header.MessageType {
	case MsgFeature:
		var j FeatureJob
		return j, unmarshalBody(f, &j)
	case MsgGradient:
		var j GradientJob
		return j, unmarshalBody(f, &j)
	case MsgSetReferences:
		var j SetReferencesJob
		return j, unmarshalBody(f, &j)
	case MsgThreadBudget:
		var j ThreadBudgetJob
		return j, unmarshalBody(f, &j)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.Header.MessageType)
	}
}

// DecodeResult parses a frame into its result variant.
func DecodeResult(f Frame) (Result, error) {
	switch f.Header.MessageType {
	case MsgFeatureResult:
		var r FeatureResult
		return r, unmarshalBody(f, &r)
	case MsgGradientResult:
		var r GradientResult
		return r, unmarshalBody(f, &r)
	case MsgAck:
		var r AckResult
		return r, unmarshalBody(f, &r)
	case MsgError:
		var r ErrorResult
		return r, unmarshalBody(f, &r)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.Header.MessageType)
	}
}

func unmarshalBody(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode message type %d: %w", f.Header.MessageType, err)
	}
	return nil
}
