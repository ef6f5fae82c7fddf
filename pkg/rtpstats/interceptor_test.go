package rtpstats

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestInterceptor(t *testing.T) (*Interceptor, *clock.Mock, *InterceptorFactory) {
	t.Helper()

	mock := clock.NewMock()
	f := NewInterceptorFactory(WithClock(mock), WithLogger(zaptest.NewLogger(t)))
	i, err := f.NewInterceptor("")
	require.NoError(t, err)

	return i.(*Interceptor), mock, f
}

func TestInterceptor_LocalStream(t *testing.T) {
	i, mock, f := newTestInterceptor(t)

	info := &interceptor.StreamInfo{SSRC: 1234}
	writer := i.BindLocalStream(info, interceptor.RTPWriterFunc(
		func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			return header.MarshalSize() + len(payload), nil
		},
	))

	header := &rtp.Header{Version: 2, SSRC: 1234, PayloadType: 96}
	payload := make([]byte, 1188)
	for n := 0; n < 10; n++ {
		header.SequenceNumber = uint16(n)
		_, err := writer.Write(header, payload, nil)
		require.NoError(t, err)
		mock.Add(100 * time.Millisecond)
	}

	meter, ok := f.Registry().Load(OutKey(1234))
	require.True(t, ok)
	assert.Equal(t, int64(12000), meter.Total())
	assert.Equal(t, int64(10), meter.Events())
	assert.InDelta(t, 12000.0, meter.Rate(time.Second), 1e-9)

	i.UnbindLocalStream(info)
	_, ok = f.Registry().Load(OutKey(1234))
	assert.False(t, ok)
}

func TestInterceptor_LocalStreamWriteError(t *testing.T) {
	i, _, f := newTestInterceptor(t)

	writeErr := errors.New("closed")
	writer := i.BindLocalStream(&interceptor.StreamInfo{SSRC: 1}, interceptor.RTPWriterFunc(
		func(*rtp.Header, []byte, interceptor.Attributes) (int, error) {
			return 0, writeErr
		},
	))

	_, err := writer.Write(&rtp.Header{}, []byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, writeErr)

	meter, ok := f.Registry().Load(OutKey(1))
	require.True(t, ok)
	assert.Zero(t, meter.Total())
}

func TestInterceptor_RemoteStream(t *testing.T) {
	i, _, f := newTestInterceptor(t)

	info := &interceptor.StreamInfo{SSRC: 42}
	reader := i.BindRemoteStream(info, interceptor.RTPReaderFunc(
		func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			return 500, a, nil
		},
	))

	buf := make([]byte, 1500)
	for n := 0; n < 4; n++ {
		_, _, err := reader.Read(buf, nil)
		require.NoError(t, err)
	}

	meter, ok := f.Registry().Load(InKey(42))
	require.True(t, ok)
	assert.Equal(t, int64(2000), meter.Total())

	i.UnbindRemoteStream(info)
	assert.Equal(t, 0, f.Registry().Len())
}

func TestInterceptor_RTCPReader(t *testing.T) {
	i, _, f := newTestInterceptor(t)

	rr, err := (&rtcp.ReceiverReport{
		SSRC:    1,
		Reports: []rtcp.ReceptionReport{{SSRC: 2, FractionLost: 25}},
	}).Marshal()
	require.NoError(t, err)

	packets := [][]byte{rr, {0xff, 0x00}}
	next := 0
	reader := i.BindRTCPReader(interceptor.RTCPReaderFunc(
		func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			n := copy(b, packets[next])
			next++
			return n, a, nil
		},
	))

	buf := make([]byte, 1500)
	for range packets {
		_, _, err := reader.Read(buf, nil)
		require.NoError(t, err)
	}

	meter, ok := f.Registry().Load(RTCPInKey)
	require.True(t, ok)
	assert.Equal(t, int64(len(rr)+2), meter.Total())
	assert.Equal(t, int64(2), meter.Events())
}
