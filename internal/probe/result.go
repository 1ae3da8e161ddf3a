package probe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Result is a single measurement reported by the speedtest tool.
//
// Durations and latencies are kept in the units the tool reports
// (milliseconds); use the *Seconds accessors when exporting.
type Result struct {
	Timestamp  time.Time
	Ping       Ping
	Download   Transfer
	Upload     Transfer
	PacketLoss float64
	ISP        string
	Interface  Interface
	Server     Server
	ResultURL  string
}

// Ping holds idle latency figures in milliseconds.
type Ping struct {
	Jitter  float64
	Latency float64
	Low     float64
	High    float64
}

func (p Ping) LatencySeconds() float64 { return p.Latency / 1000.0 }
func (p Ping) LowSeconds() float64     { return p.Low / 1000.0 }
func (p Ping) HighSeconds() float64    { return p.High / 1000.0 }
func (p Ping) JitterSeconds() float64  { return p.Jitter / 1000.0 }

// Transfer is one direction (download or upload) of a measurement.
type Transfer struct {
	Bandwidth int64 // bytes per second
	Bytes     int64
	Elapsed   int64 // milliseconds
	Latency   LatencyDetail
}

// ElapsedSeconds converts Elapsed to seconds.
func (t Transfer) ElapsedSeconds() float64 { return float64(t.Elapsed) / 1000.0 }

// LatencyDetail is the loaded latency measured during a transfer.
// It is informational only and not exported as a metric.
type LatencyDetail struct {
	IQM    float64
	Low    float64
	High   float64
	Jitter float64
}

type Interface struct {
	InternalIP string
	Name       string
	MacAddr    string
	IsVPN      bool
	ExternalIP string
}

type Server struct {
	ID       uint64
	Name     string
	Location string
	Country  string
	Host     string
	Port     uint16
	IP       string
}

// ---- wire format ----
//
// Required fields are pointers so a missing key can be told apart from a zero
// value. timestamp, packetLoss, interface and result are optional. Extra keys
// emitted by the tool (type, result.persisted, ...) are ignored.

type wireResult struct {
	Timestamp  *time.Time     `json:"timestamp"`
	Ping       *wirePing      `json:"ping"`
	Download   *wireTransfer  `json:"download"`
	Upload     *wireTransfer  `json:"upload"`
	PacketLoss *float64       `json:"packetLoss"`
	ISP        *string        `json:"isp"`
	Interface  *wireInterface `json:"interface"`
	Server     *wireServer    `json:"server"`
	Result     *struct {
		URL string `json:"url"`
	} `json:"result"`
}

type wirePing struct {
	Jitter  *float64 `json:"jitter"`
	Latency *float64 `json:"latency"`
	Low     *float64 `json:"low"`
	High    *float64 `json:"high"`
}

type wireTransfer struct {
	Bandwidth *int64       `json:"bandwidth"`
	Bytes     *int64       `json:"bytes"`
	Elapsed   *int64       `json:"elapsed"`
	Latency   *wireLatency `json:"latency"`
}

type wireLatency struct {
	IQM    *float64 `json:"iqm"`
	Low    *float64 `json:"low"`
	High   *float64 `json:"high"`
	Jitter *float64 `json:"jitter"`
}

type wireInterface struct {
	InternalIP string `json:"internalIp"`
	Name       string `json:"name"`
	MacAddr    string `json:"macAddr"`
	IsVPN      bool   `json:"isVpn"`
	ExternalIP string `json:"externalIp"`
}

type wireServer struct {
	ID       *uint64 `json:"id"`
	Name     *string `json:"name"`
	Location *string `json:"location"`
	Country  *string `json:"country"`
	Host     *string `json:"host"`
	Port     *uint16 `json:"port"`
	IP       *string `json:"ip"`
}

// Decode parses the tool's JSON document.
//
// Decoding is all-or-nothing: a truncated document, a type mismatch or a
// missing required field returns an error and a nil Result.
func Decode(data []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var w wireResult
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode result: trailing data")
		}
		return nil, fmt.Errorf("decode result: %w", err)
	}

	var missing []string
	need := func(ok bool, path string) {
		if !ok {
			missing = append(missing, path)
		}
	}

	need(w.Ping != nil, "ping")
	if w.Ping != nil {
		need(w.Ping.Jitter != nil, "ping.jitter")
		need(w.Ping.Latency != nil, "ping.latency")
		need(w.Ping.Low != nil, "ping.low")
		need(w.Ping.High != nil, "ping.high")
	}
	for _, t := range []struct {
		name string
		v    *wireTransfer
	}{{"download", w.Download}, {"upload", w.Upload}} {
		need(t.v != nil, t.name)
		if t.v == nil {
			continue
		}
		need(t.v.Bandwidth != nil, t.name+".bandwidth")
		need(t.v.Bytes != nil, t.name+".bytes")
		need(t.v.Elapsed != nil, t.name+".elapsed")
		need(t.v.Latency != nil, t.name+".latency")
		if l := t.v.Latency; l != nil {
			need(l.IQM != nil, t.name+".latency.iqm")
			need(l.Low != nil, t.name+".latency.low")
			need(l.High != nil, t.name+".latency.high")
			need(l.Jitter != nil, t.name+".latency.jitter")
		}
	}
	need(w.Server != nil, "server")
	if sv := w.Server; sv != nil {
		need(sv.ID != nil, "server.id")
		need(sv.Name != nil, "server.name")
		need(sv.Location != nil, "server.location")
		need(sv.Country != nil, "server.country")
		need(sv.Host != nil, "server.host")
		need(sv.Port != nil, "server.port")
		need(sv.IP != nil, "server.ip")
	}
	need(w.ISP != nil, "isp")

	if len(missing) > 0 {
		return nil, fmt.Errorf("decode result: missing required fields: %s", strings.Join(missing, ", "))
	}

	res := &Result{
		Ping: Ping{
			Jitter:  *w.Ping.Jitter,
			Latency: *w.Ping.Latency,
			Low:     *w.Ping.Low,
			High:    *w.Ping.High,
		},
		Download: w.Download.toTransfer(),
		Upload:   w.Upload.toTransfer(),
		ISP:      *w.ISP,
		Server: Server{
			ID:       *w.Server.ID,
			Name:     *w.Server.Name,
			Location: *w.Server.Location,
			Country:  *w.Server.Country,
			Host:     *w.Server.Host,
			Port:     *w.Server.Port,
			IP:       *w.Server.IP,
		},
	}
	if w.Timestamp != nil {
		res.Timestamp = *w.Timestamp
	}
	if w.PacketLoss != nil {
		res.PacketLoss = *w.PacketLoss
	}
	if w.Interface != nil {
		res.Interface = Interface(*w.Interface)
	}
	if w.Result != nil {
		res.ResultURL = w.Result.URL
	}
	return res, nil
}

func (w *wireTransfer) toTransfer() Transfer {
	return Transfer{
		Bandwidth: *w.Bandwidth,
		Bytes:     *w.Bytes,
		Elapsed:   *w.Elapsed,
		Latency: LatencyDetail{
			IQM:    *w.Latency.IQM,
			Low:    *w.Latency.Low,
			High:   *w.Latency.High,
			Jitter: *w.Latency.Jitter,
		},
	}
}
