package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-gst/go-glib/glib"
	"github.com/go-gst/go-gst/gst"
	"github.com/pion/rtcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arsperger/ratecast/internal/config"
	"github.com/arsperger/ratecast/pkg/ratemeter"
	"github.com/arsperger/ratecast/pkg/tfrc"
)

const (
	appName    = "RateCast"
	appVersion = "0.2.0"
	appDesc    = "Adaptive bitrate video streaming with TFRC and measured send rate"

	// meter keys
	rtpOutMeter = "rtp/out"
	rtcpInMeter = "rtcp/in"

	// window the reported send rate is averaged over
	reportWindow = time.Second
)

type RateCast struct {
	cfg            config.Config
	currentBitrate int
	lastChange     time.Time
	stream         *gst.Pipeline
	mainLoop       *glib.MainLoop
	debugEnabled   bool

	meters *ratemeter.Registry
	log    *zap.Logger
}

func NewRateCast(cfg config.Config, log *zap.Logger, debug bool) *RateCast {
	return &RateCast{
		cfg:            cfg,
		currentBitrate: cfg.InitBitrate,
		lastChange:     time.Now(),
		debugEnabled:   debug,
		meters:         ratemeter.NewRegistry(ratemeter.WithRetention(cfg.RateWindow)),
		log:            log,
	}
}

func (s *RateCast) dumpPipelineDot() {
	if !s.debugEnabled || s.stream == nil {
		return
	}

	if os.Getenv("GST_DEBUG_DUMP_DOT_DIR") == "" {
		cwd, _ := os.Getwd()
		if err := os.Setenv("GST_DEBUG_DUMP_DOT_DIR", cwd); err != nil {
			s.log.Warn("setting GST_DEBUG_DUMP_DOT_DIR", zap.Error(err))
		}
	}

	s.stream.DebugBinToDotFile(gst.DebugGraphShowAll, "ratecast-pipeline")
	s.log.Info("pipeline DOT file written", zap.String("dir", os.Getenv("GST_DEBUG_DUMP_DOT_DIR")))
}

// closeWithContext closes c once ctx is done. The returned func closes c
// right away unless ctx already did, so c is closed exactly once.
func closeWithContext(ctx context.Context, c io.Closer, log *zap.Logger) func() {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	return func() {
		if !stop() {
			return
		}
		if err := c.Close(); err != nil {
			log.Warn("closing RTCP connection", zap.Error(err))
		}
	}
}

func (s *RateCast) setupRTCPListener(ctx context.Context) {
	rtcpPort := s.cfg.SrcPort + 1
	addr := net.UDPAddr{IP: net.ParseIP(s.cfg.SrcHost), Port: rtcpPort}
	conn, err := net.ListenUDP("udp", &addr)
	if err != nil {
		s.log.Error("RTCP listener", zap.Error(err))
		return
	}
	defer closeWithContext(ctx, conn, s.log)()

	controller := tfrc.New(s.currentBitrate, s.cfg.MinBitrate, s.cfg.MaxBitrate,
		tfrc.WithSendRate(s.meters.Get(rtpOutMeter)),
		tfrc.WithLogger(s.log.Named("tfrc")),
	)
	rtcpIn := s.meters.Get(rtcpInMeter)

	timeStarted := time.Now()

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("reading RTCP", zap.Error(err))
			continue
		}
		rtcpIn.Mark(int64(n))

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			s.log.Warn("RTCP unmarshal", zap.Error(err))
			continue
		}

		now := time.Now()

		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				controller.PreProcessRTCP(now, report.LastSenderReport, report.Delay, report.FractionLost)

				s.log.Info("RTCP_RR",
					zap.Uint32("ssrc", report.SSRC),
					zap.Float64("elapsed", time.Since(timeStarted).Seconds()),
					zap.Float64("loss", controller.GetLastFraction()),
					zap.Float64("rtt", controller.GetRttSample()),
					zap.Float64("smoothed_rtt", controller.GetSmoothedRTT()),
					zap.Uint32("jitter", report.Jitter),
				)

				// Pace updates
				if time.Since(s.lastChange) < s.cfg.ChangeInterval {
					s.log.Debug("pacing updates", zap.Duration("since_last", time.Since(s.lastChange)))
					continue
				}

				newBr := controller.ComputeTFRCBitrate()
				if newBr != s.currentBitrate {
					old := s.currentBitrate
					s.setNewBitrate(newBr)
					s.lastChange = now
					s.log.Info("updated bitrate", zap.Int("from_kbps", old), zap.Int("to_kbps", newBr))
					// TODO: change resolution and framerate based on new bitrate
				}
			}
		}
	}
}

//nolint:gosec
func (s *RateCast) setNewBitrate(kbps int) {
	enc, err := s.stream.GetElementByName("encoder")
	if err != nil {
		s.log.Error("encoder element lookup", zap.Error(err))
		return
	}
	if err := enc.Set("bitrate", uint(kbps)); err != nil {
		s.log.Error("setting encoder bitrate", zap.Error(err))
		return
	}
	s.currentBitrate = kbps
}

// elementDef describes an element to create and where to store it
type elementDef struct {
	el      **gst.Element
	factory string
	props   map[string]interface{}
}

func newElement(factory string, props map[string]interface{}) (*gst.Element, error) {
	var (
		el  *gst.Element
		err error
	)
	if props == nil {
		el, err = gst.NewElement(factory)
	} else {
		el, err = gst.NewElementWithProperties(factory, props)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", factory, err)
	}
	return el, nil
}

// linkPads links a static or request src pad of src to a sink pad of sink.
func linkPads(src *gst.Element, srcPad string, sink *gst.Element, sinkPad string, request bool) error {
	from := src.GetStaticPad(srcPad)
	if from == nil {
		from = src.GetRequestPad(srcPad)
	}
	if from == nil {
		return fmt.Errorf("failed to get %s pad %s", src.GetName(), srcPad)
	}

	var to *gst.Pad
	if request {
		to = sink.GetRequestPad(sinkPad)
	} else {
		to = sink.GetStaticPad(sinkPad)
	}
	if to == nil {
		return fmt.Errorf("failed to get %s pad %s", sink.GetName(), sinkPad)
	}

	if from.Link(to) != gst.PadLinkOK {
		return fmt.Errorf("failed to link %s:%s to %s:%s", src.GetName(), srcPad, sink.GetName(), sinkPad)
	}
	return nil
}

// meterPad marks the size of every buffer leaving pad on m.
func meterPad(pad *gst.Pad, m *ratemeter.Meter) {
	pad.AddProbe(gst.PadProbeTypeBuffer, func(_ *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		if buf := info.GetBuffer(); buf != nil {
			m.Mark(int64(buf.GetSize()))
		}
		return gst.PadProbeOK
	})
}

//nolint:funlen
func (s *RateCast) createPipeline() error {
	gst.Init(nil)

	sinkRtcpPort := s.cfg.SinkPort + 1
	srcRtcpPort := s.cfg.SrcPort + 2 // send from +2, bc of the RTCP listener is on srcPort + 1

	pipeline, err := gst.NewPipeline("video-pipeline")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	var (
		src, capsFilterIn, convert, capsFilterOut, encoder, pay, rtpCapsFilter *gst.Element
		rtpSession, rtpSink, rtcpSink, rtcpSrc                                 *gst.Element
	)
	var elements []elementDef
	add := func(el **gst.Element, factory string, props map[string]interface{}) {
		elements = append(elements, elementDef{el: el, factory: factory, props: props})
	}

	add(&src, "v4l2src", map[string]interface{}{"device": "/dev/video0"})
	add(&capsFilterIn, "capsfilter", map[string]interface{}{
		"caps": gst.NewCapsFromString("video/x-raw,width=640,height=480,framerate=30/1"),
	})
	add(&convert, "videoconvert", nil)
	add(&capsFilterOut, "capsfilter", map[string]interface{}{
		"caps": gst.NewCapsFromString("video/x-raw,format=I420,width=640,height=480"),
	})
	add(&encoder, "x264enc", map[string]interface{}{
		"name":    "encoder",
		"bitrate": uint(s.currentBitrate), //nolint:gosec
		"tune":    "zerolatency",
	})
	add(&pay, "rtph264pay", map[string]interface{}{
		"pt":              uint(96),
		"config-interval": 1,
	})
	add(&rtpCapsFilter, "capsfilter", map[string]interface{}{
		"caps": gst.NewCapsFromString("application/x-rtp,media=video,encoding-name=H264,payload=96"),
	})
	add(&rtpSession, "rtpsession", nil)
	add(&rtpSink, "udpsink", map[string]interface{}{
		"host":         s.cfg.SinkHost,
		"port":         s.cfg.SinkPort,
		"bind-address": s.cfg.SrcHost,
		"bind-port":    s.cfg.SrcPort,
		"sync":         false,
		"async":        false,
	})
	add(&rtcpSink, "udpsink", map[string]interface{}{
		"host":         s.cfg.SinkHost,
		"port":         sinkRtcpPort,
		"bind-address": s.cfg.SrcHost,
		"bind-port":    srcRtcpPort,
		"sync":         false,
		"async":        false,
	})
	add(&rtcpSrc, "udpsrc", map[string]interface{}{
		"address": s.cfg.SrcHost,
		"port":    srcRtcpPort,
	})

	all := make([]*gst.Element, 0, len(elements))
	for _, e := range elements {
		el, err := newElement(e.factory, e.props)
		if err != nil {
			return err
		}
		*e.el = el
		all = append(all, el)
	}

	// rtpsession for explicit RTCP SR sending
	if err = rtpSession.Set("rtp-profile", uint64(2)); err != nil { // 1 - AVP, 2 = AVPF
		s.log.Warn("failed to set rtp-profile, using default", zap.Error(err))
	}
	if err = rtpSession.Set("rtcp-min-interval", uint64(5000000000)); err != nil { // 5 seconds in ns
		return fmt.Errorf("failed to set rtcp-min-interval: %w", err)
	}
	if err = rtpSession.Set("rtcp-fraction", 0.05); err != nil {
		return fmt.Errorf("failed to set rtcp-fraction: %w", err)
	}
	if err = rtpSession.Set("bandwidth", uint64(0)); err != nil {
		s.log.Warn("failed to set bandwidth, using default", zap.Error(err))
	}
	if err = rtpSession.Set("rtcp-sync-send-time", true); err != nil {
		return fmt.Errorf("failed to set rtcp-sync-send-time: %w", err)
	}

	if err = pipeline.AddMany(all...); err != nil {
		return fmt.Errorf("failed to add elements to pipeline: %w", err)
	}

	if err = gst.ElementLinkMany(src, capsFilterIn, convert, capsFilterOut, encoder, pay, rtpCapsFilter); err != nil {
		return fmt.Errorf("failed to link video elements: %w", err)
	}

	links := []struct {
		src     *gst.Element
		srcPad  string
		sink    *gst.Element
		sinkPad string
		request bool
	}{
		{rtpCapsFilter, "src", rtpSession, "send_rtp_sink", true},
		{rtpSession, "send_rtp_src", rtpSink, "sink", false},
		{rtpSession, "send_rtcp_src", rtcpSink, "sink", false},
		{rtcpSrc, "src", rtpSession, "recv_rtcp_sink", true},
	}
	for _, l := range links {
		if err := linkPads(l.src, l.srcPad, l.sink, l.sinkPad, l.request); err != nil {
			return err
		}
	}

	payPad := pay.GetStaticPad("src")
	if payPad == nil {
		return fmt.Errorf("failed to get rtph264pay src pad")
	}
	meterPad(payPad, s.meters.Get(rtpOutMeter))

	s.log.Info("pipeline configured with explicit rtpsession for RTCP sender reports")

	s.stream = pipeline
	return nil
}

func (s *RateCast) pollBitrate(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	encoder, err := s.stream.GetElementByName("encoder")
	if err != nil {
		s.log.Error("bitrate polling: failed to get encoder element", zap.Error(err))
		return
	}
	out := s.meters.Get(rtpOutMeter)

	startTime := time.Now()
	s.log.Info("bitrate polling started")
	for {
		select {
		case <-ticker.C:
			bitrateVal, errGet := encoder.GetProperty("bitrate")
			if errGet != nil {
				// element might be in a transient state
				s.log.Warn("bitrate polling: failed to get bitrate property", zap.Error(errGet))
				continue
			}
			bitrateUint, ok := bitrateVal.(uint)
			if !ok {
				s.log.Warn("bitrate polling: unexpected bitrate type", zap.String("type", fmt.Sprintf("%T", bitrateVal)))
				continue
			}
			snap := out.Snapshot(reportWindow)
			s.log.Info("poll_bitrate",
				zap.Float64("elapsed", time.Since(startTime).Seconds()),
				zap.Uint("bitrate", bitrateUint),
				zap.Float64("send_kbps", snap.Rate*8/1000),
				zap.Float64("send_pps", snap.EventRate),
				zap.Int64("sent_bytes", snap.Total),
			)
		case <-ctx.Done():
			s.log.Info("bitrate polling stopped")
			return
		}
	}
}

func (s *RateCast) serveMetrics(ctx context.Context) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		ratemeter.NewCollector("ratecast", s.meters, reportWindow),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("serving metrics", zap.String("addr", s.cfg.MetricsAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("metrics server", zap.Error(err))
	}
}

func (s *RateCast) runPipeline(ctx context.Context) error {
	s.dumpPipelineDot()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	bus := s.stream.GetPipelineBus()
	bus.AddWatch(func(msg *gst.Message) bool {
		switch msg.Type() {
		case gst.MessageEOS:
			s.log.Info("end-of-stream reached")
			s.mainLoop.Quit()
		case gst.MessageError:
			s.log.Error("GStreamer error", zap.String("error", fmt.Sprint(msg.ParseError())))
			s.mainLoop.Quit()
		default:
			s.log.Debug("bus message", zap.String("message", fmt.Sprint(msg)))
		}
		return true
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		select {
		case <-sigs:
			s.log.Info("shutting down by signal")
			s.mainLoop.Quit()
		case <-runCtx.Done():
		}
	}()

	go s.setupRTCPListener(runCtx)
	go s.pollBitrate(runCtx)
	if s.cfg.MetricsAddr != "" {
		go s.serveMetrics(runCtx)
	}

	defer func() {
		s.log.Info("shutting down pipeline")
		if err := s.stream.SetState(gst.StateNull); err != nil {
			s.log.Error("setting pipeline to NULL state", zap.Error(err))
		}
	}()

	if err := s.stream.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to PLAYING state: %w", err)
	}
	s.log.Info("pipeline is PLAYING",
		zap.String("rtp", fmt.Sprintf("%s:%d", s.cfg.SinkHost, s.cfg.SinkPort)),
		zap.String("rtcp_listen", fmt.Sprintf("%s:%d", s.cfg.SrcHost, s.cfg.SrcPort+1)),
	)

	return s.mainLoop.RunError()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	versionFlag := flag.Bool("v", false, "Print version and exit")
	debugFlag := flag.Bool("d", false, "Debug logging and save gst pipeline to DOT file")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s - %s\n", appName, appVersion, appDesc)
		os.Exit(0)
	}

	log, err := newLogger(*debugFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	rc := NewRateCast(config.Load(log), log, *debugFlag)
	rc.mainLoop = glib.NewMainLoop(glib.MainContextDefault(), false)

	if err := rc.createPipeline(); err != nil {
		log.Error("failed to create pipeline", zap.Error(err))
		os.Exit(1) //nolint:gocritic
	}

	if err := rc.runPipeline(context.Background()); err != nil {
		log.Error("failed to run pipeline", zap.Error(err))
		os.Exit(1)
	}
}
