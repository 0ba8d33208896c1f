package protocol

import "time"

// Header types carried in front of the payload of the built-in streams.
// Encoded with the CBOR codec; field keys are small integers to keep the
// encoded size down.

// VideoHeader precedes one shard of an encoded video frame. A frame too
// large for one packet is split into ShardCount shards.
type VideoHeader struct {
	Timestamp  time.Duration `cbor:"1,keyasint"`
	IsIDR      bool          `cbor:"2,keyasint"`
	FrameIndex uint32        `cbor:"3,keyasint,omitempty"`
	ShardIndex uint16        `cbor:"4,keyasint,omitempty"`
	ShardCount uint16        `cbor:"5,keyasint,omitempty"`
}

// AudioHeader precedes a block of interleaved PCM samples.
type AudioHeader struct {
	Timestamp  time.Duration `cbor:"1,keyasint"`
	SampleRate uint32        `cbor:"2,keyasint"`
	Channels   uint8         `cbor:"3,keyasint"`
}

// DeviceMotion is the pose and velocity of one tracked device.
type DeviceMotion struct {
	Device          uint64     `cbor:"1,keyasint"`
	Orientation     [4]float32 `cbor:"2,keyasint"`
	Position        [3]float32 `cbor:"3,keyasint"`
	LinearVelocity  [3]float32 `cbor:"4,keyasint"`
	AngularVelocity [3]float32 `cbor:"5,keyasint"`
}

// TrackingHeader carries the client's tracking sample. Tracking has no
// payload.
type TrackingHeader struct {
	TargetTimestamp time.Duration  `cbor:"1,keyasint"`
	Motions         []DeviceMotion `cbor:"2,keyasint"`
}

// HapticsHeader is one haptic pulse request. No payload.
type HapticsHeader struct {
	Device    uint64        `cbor:"1,keyasint"`
	Duration  time.Duration `cbor:"2,keyasint"`
	Frequency float32       `cbor:"3,keyasint"`
	Amplitude float32       `cbor:"4,keyasint"`
}

// StatisticsHeader is the client-side frame timing report.
type StatisticsHeader struct {
	TargetTimestamp  time.Duration `cbor:"1,keyasint"`
	FrameInterval    time.Duration `cbor:"2,keyasint"`
	VideoDecode      time.Duration `cbor:"3,keyasint"`
	VideoDecoderWait time.Duration `cbor:"4,keyasint"`
	RenderingTotal   time.Duration `cbor:"5,keyasint"`
	PacketsLost      uint64        `cbor:"6,keyasint"`
}
