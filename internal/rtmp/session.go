package rtmp

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netdata/go.d.plugin/pkg/iprange"

	"github.com/AgustinSRG/live-media-core/internal/bitstream"
	"github.com/AgustinSRG/live-media-core/internal/clock"
	"github.com/AgustinSRG/live-media-core/internal/config"
	"github.com/AgustinSRG/live-media-core/internal/errorsx"
	"github.com/AgustinSRG/live-media-core/internal/hooks"
	"github.com/AgustinSRG/live-media-core/internal/logging"
	"github.com/AgustinSRG/live-media-core/internal/source"
	"github.com/AgustinSRG/live-media-core/internal/stats"
)

var sessionIDCounter uint64

// consumerQueueSize bounds the player-side outbound frame queue; under
// backpressure the oldest buffered frame is dropped, never the publisher.
const consumerQueueSize = 256

// Session is one RTMP TCP connection: either a publisher (feeding a
// source.Source) or a player (consuming one), or idle until publish/play
// is invoked. Generalizes the teacher's RTMPSession, delegating GOP
// cache/fanout to internal/source instead of an inline per-session cache.
type Session struct {
	conn net.Conn
	id   uint64
	ip   string

	writeMu sync.Mutex

	inChunkSize  uint32
	outChunkSize uint32

	windowAckSize uint32
	lastAckSeq    uint32
	receivedBytes uint32

	objectEncoding int

	connectTimeMillis int64

	chunks map[uint32]*Packet // running per-csid reassembly state

	mu            sync.Mutex
	vhost, app    string
	isConnected   bool
	isPublishing  bool
	isPlaying     bool
	isPaused      bool
	receiveAudio  bool
	receiveVideo  bool
	streamCounter uint32
	publishKey    string
	playKey       string
	playStreamID  uint32

	audioCodec uint32
	videoCodec uint32

	registry *source.Registry
	src      *source.Source

	queue   chan source.Frame
	done    chan struct{}
	closeOnce sync.Once

	cfg   config.Config
	hooks hooks.HookDispatcher
	stat  stats.Statistics
	clk   clock.Clock
}

// NewSession wraps an accepted connection. app/vhost resolution happens on
// the connect command; registry/cfg/hooks/stat/clk are the injected
// collaborators spec §6/§9 name.
func NewSession(conn net.Conn, registry *source.Registry, cfg config.Config, hd hooks.HookDispatcher, st stats.Statistics, clk clock.Clock) *Session {
	id := atomic.AddUint64(&sessionIDCounter, 1)
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &Session{
		conn:         conn,
		id:           id,
		ip:           host,
		inChunkSize:  DefaultChunkSize,
		outChunkSize: DefaultChunkSize,
		windowAckSize: 5000000,
		chunks:       make(map[uint32]*Packet),
		receiveAudio: true,
		receiveVideo: true,
		queue:        make(chan source.Frame, consumerQueueSize),
		done:         make(chan struct{}),
		registry:     registry,
		cfg:          cfg,
		hooks:        hd,
		stat:         st,
		clk:          clk,
	}
}

func (s *Session) ID() string { return fmt.Sprintf("rtmp-%d", s.id) }

// Enqueue implements source.Consumer: non-blocking, drop-oldest under
// backpressure.
func (s *Session) Enqueue(f source.Frame) {
	select {
	case s.queue <- f:
	default:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- f:
		default:
		}
		if s.stat != nil {
			s.stat.IncQueueOverflow("rtmp", s.vhost)
		}
	}
}

// OnPublisherGone implements source.Consumer: closes the play-side queue,
// which unblocks the writer pump and tears the connection down.
func (s *Session) OnPublisherGone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Serve runs the handshake then the chunk read loop until the connection
// closes or a protocol violation occurs.
func (s *Session) Serve() {
	defer s.onClose()

	if err := s.handshake(); err != nil {
		logging.DebugSession(s.id, s.ip, "handshake failed: "+err.Error())
		return
	}

	r := bufio.NewReaderSize(s.conn, 4096)
	for {
		if err := s.readChunk(r); err != nil {
			logging.DebugSession(s.id, s.ip, "session ended: "+err.Error())
			return
		}
	}
}

func (s *Session) handshake() error {
	c0c1 := make([]byte, 1+HandshakeSize)
	if _, err := readFull(s.conn, c0c1); err != nil {
		return err
	}
	if c0c1[0] != Version {
		return errorsx.Violation(errorsx.CodeBadSync, "unsupported rtmp version")
	}

	resp := GenerateS0S1S2(c0c1[1:])
	if _, err := s.conn.Write(resp); err != nil {
		return err
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := readFull(s.conn, c2); err != nil {
		return err
	}

	s.isConnected = true
	s.connectTimeMillis = time.Now().UnixMilli()
	return nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readChunk reads exactly one chunk (basic header + message header
// fragment + up to inChunkSize payload bytes) and dispatches the message
// once every chunk of it has arrived.
func (s *Session) readChunk(r *bufio.Reader) error {
	first, err := r.ReadByte()
	if err != nil {
		return err
	}

	fmtBits := uint32(first>>6) & 0x03
	csidLow := uint32(first) & 0x3f

	var csid uint32
	switch csidLow {
	case 0:
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		csid = uint32(b) + 64
	case 1:
		b := make([]byte, 2)
		if _, err := readFullReader(r, b); err != nil {
			return err
		}
		csid = uint32(b[0]) + uint32(b[1])*256 + 64
	default:
		csid = csidLow
	}

	p, ok := s.chunks[csid]
	if !ok {
		np := BlankPacket()
		np.Header.CSID = csid
		p = &np
		s.chunks[csid] = p
	}
	p.Header.Fmt = fmtBits

	headerLen := headerSizeByFmt[fmtBits]
	hb := make([]byte, headerLen)
	if headerLen > 0 {
		if _, err := readFullReader(r, hb); err != nil {
			return err
		}
	}

	var tsField uint32
	if fmtBits <= ChunkType2 {
		tsField = bitstream.ReadUint24BE(hb[0:3])
	}
	if fmtBits <= ChunkType1 {
		p.Header.Length = bitstream.ReadUint24BE(hb[3:6])
		p.Header.PacketType = uint32(hb[6])
	}
	if fmtBits == ChunkType0 {
		p.Header.StreamID = bitstream.ReadUint32LE(hb[7:11])
	}

	if fmtBits <= ChunkType2 {
		p.ExtTS = tsField == 0xffffff
	}

	if p.ExtTS {
		// fmt 0/1/2 headers that used the 0xffffff escape, and every fmt 3
		// continuation chunk of that same message, repeat this 4-byte field
		// (chunk.go's CreateChunks writes it on every fragment); only the
		// message's own header chunk (fmt <= ChunkType2) actually advances
		// the clock, continuations just need it consumed off the wire.
		ext := make([]byte, 4)
		if _, err := readFullReader(r, ext); err != nil {
			return err
		}
		if fmtBits <= ChunkType2 {
			extVal := (uint32(ext[0]) << 24) | (uint32(ext[1]) << 16) | (uint32(ext[2]) << 8) | uint32(ext[3])
			if fmtBits == ChunkType0 {
				p.Clock = int64(extVal)
			} else {
				p.Clock += int64(extVal)
			}
		}
	} else if len(p.Payload) == 0 {
		if fmtBits == ChunkType0 {
			p.Clock = int64(tsField)
		} else if fmtBits <= ChunkType2 {
			p.Clock += int64(tsField)
		}
	}
	p.Header.Timestamp = p.Clock

	remaining := int(p.Header.Length) - len(p.Payload)
	toRead := remaining
	if toRead > int(s.inChunkSize) {
		toRead = int(s.inChunkSize)
	}
	if toRead < 0 {
		return errorsx.Violation(errorsx.CodeBadChunkStart, "chunk exceeds declared message length")
	}

	if toRead > 0 {
		buf := make([]byte, toRead)
		if _, err := readFullReader(r, buf); err != nil {
			return err
		}
		p.Payload = append(p.Payload, buf...)
	}

	s.receivedBytes += uint32(headerLen) + uint32(toRead) + 1
	if s.windowAckSize > 0 && s.receivedBytes-s.lastAckSeq > s.windowAckSize {
		s.lastAckSeq = s.receivedBytes
		s.sendACK(s.receivedBytes)
	}

	if len(p.Payload) >= int(p.Header.Length) {
		msg := *p
		delete(s.chunks, csid)
		return s.handleMessage(&msg)
	}

	return nil
}

func readFullReader(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Session) handleMessage(p *Packet) error {
	switch p.Header.PacketType {
	case TypeSetChunkSize:
		if len(p.Payload) >= 4 {
			s.inChunkSize = uint32(p.Payload[0])<<24 | uint32(p.Payload[1])<<16 | uint32(p.Payload[2])<<8 | uint32(p.Payload[3])
		}
	case TypeWindowAckSize:
		// peer's window; nothing further to do beyond honoring acks above.
	case TypeAudio:
		s.handleAudio(p)
	case TypeVideo:
		s.handleVideo(p)
	case TypeData, TypeFlexStream:
		s.handleData(p)
	case TypeInvoke, TypeFlexMessage:
		payload := p.Payload
		if p.Header.PacketType == TypeFlexMessage && len(payload) > 0 {
			payload = payload[1:]
		}
		return s.handleInvoke(p.Header.StreamID, payload)
	}
	return nil
}

func (s *Session) sendRaw(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.conn.Write(b)
}

func (s *Session) sendPacket(p *Packet) {
	p.Header.Length = uint32(len(p.Payload))
	s.sendRaw(p.CreateChunks(int(s.outChunkSize)))
}

func (s *Session) sendACK(size uint32) {
	b := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, byte(TypeAck), 0, 0, 0, 0, 0, 0, 0, 0}
	b[12], b[13], b[14], b[15] = byte(size>>24), byte(size>>16), byte(size>>8), byte(size)
	s.sendRaw(b)
}

func (s *Session) sendWindowACK(size uint32) {
	b := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, byte(TypeWindowAckSize), 0, 0, 0, 0, 0, 0, 0, 0}
	b[12], b[13], b[14], b[15] = byte(size>>24), byte(size>>16), byte(size>>8), byte(size)
	s.sendRaw(b)
}

func (s *Session) setPeerBandwidth(size uint32, limitType byte) {
	b := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05, byte(TypeSetPeerBW), 0, 0, 0, 0, 0, 0, 0, 0, 0}
	b[12], b[13], b[14], b[15] = byte(size>>24), byte(size>>16), byte(size>>8), byte(size)
	b[16] = limitType
	s.sendRaw(b)
}

func (s *Session) setChunkSize(size uint32) {
	s.outChunkSize = size
	b := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, byte(TypeSetChunkSize), 0, 0, 0, 0, 0, 0, 0, 0}
	b[12], b[13], b[14], b[15] = byte(size>>24), byte(size>>16), byte(size>>8), byte(size)
	s.sendRaw(b)
}

func (s *Session) sendStreamStatus(st uint16, id uint32) {
	b := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x06, byte(TypeUserControl), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	b[12], b[13] = byte(st>>8), byte(st)
	b[14], b[15], b[16], b[17] = byte(id>>24), byte(id>>16), byte(id>>8), byte(id)
	s.sendRaw(b)
}

func (s *Session) sendInvoke(streamID uint32, cmd *Command) {
	p := BlankPacket()
	p.Header.Fmt = ChunkType0
	p.Header.CSID = ChannelInvoke
	p.Header.PacketType = TypeInvoke
	p.Header.StreamID = streamID
	p.Payload = cmd.Encode()
	s.sendPacket(&p)
}

func (s *Session) sendData(streamID uint32, d *Data) {
	p := BlankPacket()
	p.Header.Fmt = ChunkType0
	p.Header.CSID = ChannelData
	p.Header.PacketType = TypeData
	p.Header.StreamID = streamID
	p.Payload = d.Encode()
	s.sendPacket(&p)
}

func (s *Session) sendStatus(streamID uint32, level, code, description string) {
	props := map[string]bitstream.AMF0Value{"level": stringArg(level), "code": stringArg(code)}
	if description != "" {
		props["description"] = stringArg(description)
	}
	cmd := &Command{Name: "onStatus", Args: []bitstream.AMF0Value{
		numberArg(0), bitstream.AMF0Null(), objectArg(props),
	}}
	s.sendInvoke(streamID, cmd)
}

func (s *Session) sendSampleAccess(streamID uint32) {
	d := &Data{Tag: "|RtmpSampleAccess", Args: []bitstream.AMF0Value{boolArg(false), boolArg(false)}}
	s.sendData(streamID, d)
}

func (s *Session) respondConnect(tid float64, hasObjectEncoding bool) {
	cmdObj := objectArg(map[string]bitstream.AMF0Value{
		"fmsVer":       stringArg("FMS/3,0,1,123"),
		"capabilities": numberArg(31),
	})
	infoProps := map[string]bitstream.AMF0Value{
		"level":       stringArg("status"),
		"code":        stringArg("NetConnection.Connect.Success"),
		"description": stringArg("Connection succeeded."),
	}
	if hasObjectEncoding {
		infoProps["objectEncoding"] = numberArg(float64(s.objectEncoding))
	} else {
		infoProps["objectEncoding"] = bitstream.AMF0Undefined()
	}
	cmd := &Command{Name: "_result", Args: []bitstream.AMF0Value{numberArg(tid), cmdObj, objectArg(infoProps)}}
	s.sendInvoke(0, cmd)
}

func (s *Session) respondCreateStream(tid float64) {
	s.streamCounter++
	cmd := &Command{Name: "_result", Args: []bitstream.AMF0Value{
		numberArg(tid), bitstream.AMF0Null(), numberArg(float64(s.streamCounter)),
	}}
	s.sendInvoke(0, cmd)
}

func (s *Session) respondPlay() {
	s.sendStreamStatus(StreamBegin, s.playStreamID)
	s.sendStatus(s.playStreamID, "status", "NetStream.Play.Reset", "Playing and resetting stream.")
	s.sendStatus(s.playStreamID, "status", "NetStream.Play.Start", "Started playing stream.")
	s.sendSampleAccess(0)
}

func (s *Session) handleInvoke(streamID uint32, payload []byte) error {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		return err
	}
	logging.DebugSession(s.id, s.ip, "invoke: "+cmd.String())

	switch cmd.Name {
	case "connect":
		return s.handleConnect(cmd)
	case "createStream":
		s.respondCreateStream(cmd.Arg(0).GetDouble())
	case "publish":
		return s.handlePublish(cmd)
	case "play":
		return s.handlePlay(cmd)
	case "pause":
		s.mu.Lock()
		s.isPaused = cmd.Arg(2).GetBool()
		s.mu.Unlock()
	case "closeStream", "deleteStream":
		s.stopPublishing()
		s.stopPlaying()
	case "receiveAudio":
		s.mu.Lock()
		s.receiveAudio = cmd.Arg(2).GetBool()
		s.mu.Unlock()
	case "receiveVideo":
		s.mu.Lock()
		s.receiveVideo = cmd.Arg(2).GetBool()
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) handleConnect(cmd *Command) error {
	cmdObj := cmd.Arg(1)
	app := cmdObj.GetProperty("app").GetString()

	s.mu.Lock()
	s.app = app
	s.mu.Unlock()

	s.objectEncoding = int(cmdObj.GetProperty("objectEncoding").GetDouble())

	s.sendWindowACK(5000000)
	s.setPeerBandwidth(5000000, 2)
	s.setChunkSize(s.cfg.ChunkSize())

	_, hasOE := cmdObj.GetObject()["objectEncoding"]
	s.respondConnect(cmd.Arg(0).GetDouble(), hasOE)
	return nil
}

func (s *Session) handlePublish(cmd *Command) error {
	streamName := cmd.Arg(2).GetString()

	key := source.Key{Vhost: s.vhost, App: s.app, Stream: streamName}
	src := s.registry.GetOrCreate(key)

	if err := src.SetPublisher(s.ID()); err != nil {
		s.sendStatus(0, "error", "NetStream.Publish.BadName", "Stream already publishing.")
		return err
	}
	src.SetKillFunc(s.ID(), func() { _ = s.conn.Close() })

	s.mu.Lock()
	s.isPublishing = true
	s.publishKey = streamName
	s.src = src
	s.mu.Unlock()

	if s.stat != nil {
		s.stat.IncPublisher("rtmp")
	}
	if s.hooks != nil {
		s.hooks.OnPublish(hooks.Event{ContextID: s.ID(), Vhost: s.vhost, App: s.app, Stream: streamName, ClientIP: s.ip})
	}

	s.sendStatus(0, "status", "NetStream.Publish.Start", "Publishing "+streamName+".")
	return nil
}

func (s *Session) handlePlay(cmd *Command) error {
	streamName := cmd.Arg(2).GetString()
	if !s.canPlay() {
		s.sendStatus(0, "error", "NetStream.Play.Unauthorized", "Not authorized.")
		return errorsx.Violation(errorsx.CodeStreamBusy, "play not authorized")
	}

	key := source.Key{Vhost: s.vhost, App: s.app, Stream: streamName}
	src := s.registry.GetOrCreate(key)

	s.mu.Lock()
	s.isPlaying = true
	s.playKey = streamName
	s.playStreamID = 1
	s.src = src
	s.mu.Unlock()

	s.respondPlay()

	src.AttachConsumer(s)

	if s.stat != nil {
		s.stat.IncSubscriber("rtmp")
	}
	if s.hooks != nil {
		s.hooks.OnPlay(hooks.Event{ContextID: s.ID(), Vhost: s.vhost, App: s.app, Stream: streamName, ClientIP: s.ip})
	}

	go s.playPump()
	return nil
}

// canPlay applies the RTMP_PLAY_WHITELIST env var (a comma-separated list
// of IP ranges) if set, matching the teacher's CanPlay.
func (s *Session) canPlay() bool {
	r := os.Getenv("RTMP_PLAY_WHITELIST")
	if r == "" || r == "*" {
		return true
	}

	ip := net.ParseIP(s.ip)
	for _, part := range strings.Split(r, ",") {
		rng, err := iprange.ParseRange(part)
		if err != nil {
			logging.Warning("invalid RTMP_PLAY_WHITELIST entry: " + part)
			continue
		}
		if rng.Contains(ip) {
			return true
		}
	}
	return false
}

// playPump drains s.queue and writes frames out as RTMP chunks until the
// source signals EOS (OnPublisherGone, via s.done) or the connection dies.
func (s *Session) playPump() {
	for {
		select {
		case <-s.done:
			_ = s.conn.Close()
			return
		case f, ok := <-s.queue:
			if !ok {
				return
			}
			s.mu.Lock()
			paused := s.isPaused
			wantAudio := s.receiveAudio
			wantVideo := s.receiveVideo
			s.mu.Unlock()
			if paused {
				continue
			}
			if f.Kind == source.FrameAudio && !wantAudio {
				continue
			}
			if f.Kind == source.FrameVideo && !wantVideo {
				continue
			}
			s.sendMediaFrame(f)
		}
	}
}

func (s *Session) sendMediaFrame(f source.Frame) {
	p := BlankPacket()
	p.Header.Fmt = ChunkType0
	p.Header.Timestamp = f.Timestamp
	p.Clock = f.Timestamp
	p.Payload = f.Payload
	switch f.Kind {
	case source.FrameAudio:
		p.Header.CSID = ChannelAudio
		p.Header.PacketType = TypeAudio
	case source.FrameVideo:
		p.Header.CSID = ChannelVideo
		p.Header.PacketType = TypeVideo
	case source.FrameMetadata:
		p.Header.CSID = ChannelData
		p.Header.PacketType = TypeData
	}
	p.Header.StreamID = s.playStreamID
	s.sendPacket(&p)
}

func (s *Session) handleAudio(p *Packet) {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src == nil || len(p.Payload) < 2 {
		return
	}

	soundFormat := p.Payload[0] >> 4
	s.audioCodec = uint32(soundFormat)
	isHeader := (soundFormat == 10 || soundFormat == 13) && p.Payload[1] == 0

	src.PublishFrame(source.Frame{
		Kind:      source.FrameAudio,
		Timestamp: p.Header.Timestamp,
		IsHeader:  isHeader,
		Payload:   p.Payload,
	})
}

func (s *Session) handleVideo(p *Packet) {
	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src == nil || len(p.Payload) < 2 {
		return
	}

	frameType := p.Payload[0] >> 4
	codecID := p.Payload[0] & 0x0f
	s.videoCodec = uint32(codecID)
	isHeader := (codecID == 7 || codecID == 12) && frameType == 1 && p.Payload[1] == 0
	isKey := frameType == 1

	src.PublishFrame(source.Frame{
		Kind:      source.FrameVideo,
		Timestamp: p.Header.Timestamp,
		IsHeader:  isHeader,
		IsKey:     isKey,
		Payload:   p.Payload,
	})
}

func (s *Session) handleData(p *Packet) {
	d, err := DecodeData(p.Payload)
	if err != nil {
		return
	}
	if d.Tag != "@setDataFrame" || len(d.Args) < 2 {
		return
	}

	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src == nil {
		return
	}

	metaCmd := &Data{Tag: "onMetaData", Args: d.Args[1:]}
	src.PublishFrame(source.Frame{
		Kind:      source.FrameMetadata,
		Timestamp: p.Header.Timestamp,
		Payload:   metaCmd.Encode(),
	})
}

func (s *Session) stopPublishing() {
	s.mu.Lock()
	src := s.src
	wasPublishing := s.isPublishing
	key := s.publishKey
	s.isPublishing = false
	s.mu.Unlock()

	if wasPublishing && src != nil {
		src.RemovePublisher(s.ID())
		if s.hooks != nil {
			s.hooks.OnUnpublish(hooks.Event{ContextID: s.ID(), Vhost: s.vhost, App: s.app, Stream: key, ClientIP: s.ip})
		}
		s.registry.Remove(source.Key{Vhost: s.vhost, App: s.app, Stream: key})
	}
}

func (s *Session) stopPlaying() {
	s.mu.Lock()
	src := s.src
	wasPlaying := s.isPlaying
	key := s.playKey
	s.isPlaying = false
	s.mu.Unlock()

	if wasPlaying && src != nil {
		src.DetachConsumer(s.ID())
		if s.hooks != nil {
			s.hooks.OnStop(hooks.Event{ContextID: s.ID(), Vhost: s.vhost, App: s.app, Stream: key, ClientIP: s.ip})
		}
		s.registry.Remove(source.Key{Vhost: s.vhost, App: s.app, Stream: key})
	}
}

func (s *Session) onClose() {
	s.stopPublishing()
	s.stopPlaying()
	s.closeOnce.Do(func() { close(s.done) })
	_ = s.conn.Close()
}
