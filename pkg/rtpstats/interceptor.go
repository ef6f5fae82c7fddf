// Package rtpstats meters RTP and RTCP traffic flowing through a pion
// interceptor chain.
//
// Every outgoing RTP packet is marked on meter "out/<ssrc>", every incoming
// one on "in/<ssrc>", and incoming RTCP on "rtcp/in". Rates are read back
// from the shared ratemeter.Registry.
package rtpstats

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/arsperger/ratecast/pkg/ratemeter"
	"github.com/arsperger/ratecast/pkg/valuehistory"
)

// RTCPInKey is the meter incoming RTCP is marked on.
const RTCPInKey = "rtcp/in"

// OutKey returns the meter key of a local (sent) stream.
func OutKey(ssrc uint32) string {
	return fmt.Sprintf("out/%d", ssrc)
}

// InKey returns the meter key of a remote (received) stream.
func InKey(ssrc uint32) string {
	return fmt.Sprintf("in/%d", ssrc)
}

// Option configures the interceptor factory.
type Option func(*InterceptorFactory)

// WithRegistry makes interceptors mark their traffic on r.
func WithRegistry(r *ratemeter.Registry) Option {
	return func(f *InterceptorFactory) {
		f.registry = r
	}
}

// WithClock sets the clock of the default registry. Ignored with WithRegistry.
func WithClock(c clock.Clock) Option {
	return func(f *InterceptorFactory) {
		f.clock = c
	}
}

// WithLogger sets the logger used for RTCP read diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(f *InterceptorFactory) {
		f.log = l
	}
}

// InterceptorFactory builds interceptors sharing one meter registry.
type InterceptorFactory struct {
	registry *ratemeter.Registry
	clock    clock.Clock
	log      *zap.Logger
}

var _ interceptor.Factory = (*InterceptorFactory)(nil)

// NewInterceptorFactory returns a factory whose interceptors meter into a
// shared registry. Without WithRegistry a fresh one is created.
func NewInterceptorFactory(opts ...Option) *InterceptorFactory {
	f := &InterceptorFactory{
		clock: clock.New(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.registry == nil {
		f.registry = ratemeter.NewRegistry(
			ratemeter.WithClock(f.clock),
			ratemeter.WithRetention(valuehistory.DefaultRetention),
		)
	}
	return f
}

// Registry returns the registry all interceptors mark on.
func (f *InterceptorFactory) Registry() *ratemeter.Registry {
	return f.registry
}

func (f *InterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	return &Interceptor{
		registry: f.registry,
		log:      f.log.With(zap.String("interceptor", id)),
	}, nil
}

// Interceptor marks the size of every RTP and RTCP packet it sees.
type Interceptor struct {
	interceptor.NoOp
	registry *ratemeter.Registry
	log      *zap.Logger
}

// BindRTCPReader marks incoming RTCP on RTCPInKey.
func (i *Interceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	meter := i.registry.Get(RTCPInKey)
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return n, attr, err
		}
		meter.Mark(int64(n))
		if ce := i.log.Check(zap.DebugLevel, "rtcp read"); ce != nil {
			pkts, perr := rtcp.Unmarshal(b[:n])
			if perr != nil {
				ce.Write(zap.Int("bytes", n), zap.Error(perr))
			} else {
				ce.Write(zap.Int("bytes", n), zap.Int("packets", len(pkts)))
			}
		}
		return n, attr, nil
	})
}

// BindLocalStream marks every RTP packet written on the stream.
func (i *Interceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	meter := i.registry.Get(OutKey(info.SSRC))
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, a interceptor.Attributes) (int, error) {
		n, err := writer.Write(header, payload, a)
		if err != nil {
			return n, err
		}
		meter.Mark(int64(header.MarshalSize() + len(payload)))
		return n, nil
	})
}

// UnbindLocalStream drops the outgoing meter of the stream.
func (i *Interceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	i.registry.Remove(OutKey(info.SSRC))
}

// BindRemoteStream marks every RTP packet read from the stream.
func (i *Interceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	meter := i.registry.Get(InKey(info.SSRC))
	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return n, attr, err
		}
		meter.Mark(int64(n))
		return n, attr, nil
	})
}

// UnbindRemoteStream drops the incoming meter of the stream.
func (i *Interceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.registry.Remove(InKey(info.SSRC))
}
