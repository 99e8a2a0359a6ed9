// Command callsim places a synthetic call against a running bridge: it
// posts the call-start webhook, follows the returned stream markup, and
// plays audio over the media stream the way the telephony provider would.
package main

import (
	"context"
	"encoding/xml"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol"
)

// frameBytes is 20 ms of 8 kHz μ-law.
const frameBytes = 160

type options struct {
	baseURL     string
	streamURL   string
	callSID     string
	from        string
	to          string
	wavPath     string
	silence     time.Duration
	listen      time.Duration
	realtime    float64
	outPath     string
	callTimeout time.Duration
	verbose     bool
}

type result struct {
	streamSID   string
	mediaFrames int
	audio       []byte
	marks       []string
	clears      int
	closeCode   int
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.callTimeout)
	defer cancel()

	res, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("callsim: stream=%s media_frames=%d audio_bytes=%d marks=%v clears=%d close_code=%d\n",
		res.streamSID, res.mediaFrames, len(res.audio), res.marks, res.clears, res.closeCode)

	if cfg.outPath != "" {
		if err := writeWAV(cfg.outPath, res.audio); err != nil {
			fmt.Fprintf(os.Stderr, "callsim: write %s: %v\n", cfg.outPath, err)
			os.Exit(1)
		}
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("callsim", flag.ContinueOnError)
	var cfg options
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8765", "bridge base URL")
	fs.StringVar(&cfg.streamURL, "stream-url", "", "dial this websocket instead of the one in the markup")
	fs.StringVar(&cfg.callSID, "call-sid", "", "CallSid to send (random when empty)")
	fs.StringVar(&cfg.from, "from", "+15550001111", "caller number")
	fs.StringVar(&cfg.to, "to", "+15550002222", "called number")
	fs.StringVar(&cfg.wavPath, "wav", "", "WAV file to play as caller audio")
	fs.DurationVar(&cfg.silence, "silence", 3*time.Second, "silence to play when no WAV is given")
	fs.DurationVar(&cfg.listen, "listen", 5*time.Second, "how long to keep listening after caller audio ends")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0 = real time)")
	fs.StringVar(&cfg.outPath, "out", "", "write received agent audio to this WAV file")
	fs.DurationVar(&cfg.callTimeout, "timeout", 2*time.Minute, "overall call timeout")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print stream events")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" && cfg.streamURL == "" {
		return options{}, fmt.Errorf("base-url or stream-url is required")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.callSID == "" {
		cfg.callSID = "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options) (result, error) {
	caller, err := callerAudio(cfg)
	if err != nil {
		return result{}, fmt.Errorf("prepare caller audio: %w", err)
	}

	target := cfg.streamURL
	params := map[string]string{}
	if cfg.baseURL != "" {
		markup, err := postIncoming(ctx, cfg)
		if err != nil {
			return result{}, fmt.Errorf("call intake: %w", err)
		}
		stream, err := parseStreamMarkup(markup)
		if err != nil {
			return result{}, err
		}
		if target == "" {
			target = stream.URL
		}
		for _, p := range stream.Parameters {
			params[p.Name] = p.Value
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return result{}, fmt.Errorf("open stream %s: %w", target, err)
	}
	defer conn.Close()

	streamSID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	res := &result{streamSID: streamSID}
	sim := &callerSide{conn: conn, streamSID: streamSID, verbose: cfg.verbose}

	if err := sim.write(protocol.Event{Event: protocol.EventConnected, Protocol: "Call", Version: "1.0.0"}); err != nil {
		return *res, fmt.Errorf("send connected: %w", err)
	}
	if err := sim.write(protocol.Event{
		Event:     protocol.EventStart,
		StreamSID: streamSID,
		Start: &protocol.Start{
			StreamSID:        streamSID,
			CallSID:          cfg.callSID,
			Tracks:           []string{"inbound"},
			MediaFormat:      protocol.MediaFormat{Encoding: "audio/x-mulaw", SampleRate: audio.TelephonyRate, Channels: 1},
			CustomParameters: params,
		},
	}); err != nil {
		return *res, fmt.Errorf("send start: %w", err)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		sim.readLoop(res)
	}()

	if err := sim.playAudio(ctx, caller, cfg.realtime, readDone); err != nil {
		return *res, err
	}

	select {
	case <-readDone:
	case <-ctx.Done():
	case <-time.After(cfg.listen):
		_ = sim.write(protocol.Event{Event: protocol.EventStop, StreamSID: streamSID, Stop: &protocol.Stop{CallSID: cfg.callSID}})
		select {
		case <-readDone:
		case <-time.After(2 * time.Second):
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "caller hung up"), time.Now().Add(time.Second))
			<-readDone
		}
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()
	return *res, nil
}

func callerAudio(cfg options) ([]byte, error) {
	if cfg.wavPath == "" {
		n := int(cfg.silence.Seconds() * audio.TelephonyRate)
		return audio.Silence(n), nil
	}
	f, err := os.Open(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return audio.LoadWAVAsMuLaw(f)
}

func postIncoming(ctx context.Context, cfg options) (string, error) {
	form := url.Values{
		"CallSid":    {cfg.callSID},
		"AccountSid": {"AC" + strings.Repeat("0", 32)},
		"From":       {cfg.from},
		"To":         {cfg.to},
		"Direction":  {"inbound"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/incoming", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

type streamParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type streamElement struct {
	URL        string            `xml:"url,attr"`
	Name       string            `xml:"name,attr"`
	Parameters []streamParameter `xml:"Parameter"`
}

type markupResponse struct {
	Say     []string `xml:"Say"`
	Connect struct {
		Stream *streamElement `xml:"Stream"`
	} `xml:"Connect"`
}

var errNoStream = errors.New("markup has no stream")

// parseStreamMarkup returns the stream the markup connects to. An apology
// document yields an error carrying the spoken text.
func parseStreamMarkup(doc string) (streamElement, error) {
	var resp markupResponse
	if err := xml.Unmarshal([]byte(doc), &resp); err != nil {
		return streamElement{}, fmt.Errorf("parse markup: %w", err)
	}
	if resp.Connect.Stream == nil || strings.TrimSpace(resp.Connect.Stream.URL) == "" {
		if len(resp.Say) > 0 {
			return streamElement{}, fmt.Errorf("%w: bridge said %q", errNoStream, resp.Say[0])
		}
		return streamElement{}, errNoStream
	}
	return *resp.Connect.Stream, nil
}

type callerSide struct {
	conn      *websocket.Conn
	streamSID string
	verbose   bool

	writeMu sync.Mutex
	mu      sync.Mutex
	seq     int
}

func (c *callerSide) write(ev protocol.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	ev.SequenceNumber = strconv.Itoa(c.seq)
	return c.conn.WriteJSON(ev)
}

// playAudio sends caller audio in 20 ms frames, paced to real time divided
// by realtime. It stops early when the bridge closes the stream.
func (c *callerSide) playAudio(ctx context.Context, ulaw []byte, realtime float64, closed <-chan struct{}) error {
	interval := time.Duration(float64(20*time.Millisecond) / realtime)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	chunk := 0
	for off := 0; off < len(ulaw); off += frameBytes {
		end := min(off+frameBytes, len(ulaw))
		chunk++
		ev := protocol.NewMediaEvent(c.streamSID, ulaw[off:end])
		ev.Media.Track = "inbound"
		ev.Media.Chunk = strconv.Itoa(chunk)
		ev.Media.Timestamp = strconv.Itoa((chunk - 1) * 20)
		if err := c.write(ev); err != nil {
			// The bridge may hang up mid-frame; that is not a caller failure.
			select {
			case <-closed:
				return nil
			case <-time.After(time.Second):
				return fmt.Errorf("send media: %w", err)
			}
		}
		select {
		case <-ticker.C:
		case <-closed:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return nil
}

// readLoop collects agent audio and echoes marks back, as the provider does
// once the audio before a mark has played.
func (c *callerSide) readLoop(res *result) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.mu.Lock()
				res.closeCode = closeErr.Code
				c.mu.Unlock()
			}
			return
		}
		ev, err := protocol.ParseEvent(data)
		if err != nil {
			continue
		}
		if c.verbose {
			fmt.Printf("callsim: <- %s\n", ev.Event)
		}
		switch ev.Event {
		case protocol.EventMedia:
			payload, err := ev.DecodePayload()
			if err != nil {
				continue
			}
			c.mu.Lock()
			res.mediaFrames++
			res.audio = append(res.audio, payload...)
			c.mu.Unlock()
		case protocol.EventMark:
			if ev.Mark == nil {
				continue
			}
			c.mu.Lock()
			res.marks = append(res.marks, ev.Mark.Name)
			c.mu.Unlock()
			_ = c.write(protocol.NewMarkEvent(c.streamSID, ev.Mark.Name))
		case protocol.EventClear:
			c.mu.Lock()
			res.clears++
			c.mu.Unlock()
		}
	}
}

func writeWAV(path string, ulaw []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := audio.WriteMuLawAsWAV(f, ulaw); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
