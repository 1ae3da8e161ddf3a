package probe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readFixture(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", "result.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return b
}

func TestElapsedSeconds(t *testing.T) {
	tr := Transfer{
		Bandwidth: 1000,
		Bytes:     2000,
		Elapsed:   3200,
		Latency:   LatencyDetail{IQM: 5, Low: 1, High: 10, Jitter: 2},
	}
	if got := tr.ElapsedSeconds(); got != 3.2 {
		t.Fatalf("ElapsedSeconds() = %v, want 3.2", got)
	}
}

func TestDecodeFixture(t *testing.T) {
	res, err := Decode(readFixture(t))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := res.Ping.LatencySeconds(); got != 0.01228 {
		t.Fatalf("LatencySeconds() = %v", got)
	}
	if got := res.Ping.LowSeconds(); got != 0.012192 {
		t.Fatalf("LowSeconds() = %v", got)
	}
	if got := res.Ping.HighSeconds(); got != 0.012837 {
		t.Fatalf("HighSeconds() = %v", got)
	}

	if res.Download.Bandwidth != 39924051 {
		t.Fatalf("Download.Bandwidth = %d", res.Download.Bandwidth)
	}
	if res.Download.Bytes != 306775755 {
		t.Fatalf("Download.Bytes = %d", res.Download.Bytes)
	}
	if got := res.Download.ElapsedSeconds(); got != 7.6 {
		t.Fatalf("Download.ElapsedSeconds() = %v", got)
	}
	if res.Upload.Bandwidth != 13008272 {
		t.Fatalf("Upload.Bandwidth = %d", res.Upload.Bandwidth)
	}
	if res.Server.Name != "Virtual Machines" {
		t.Fatalf("Server.Name = %q", res.Server.Name)
	}
	if res.Server.ID != 52365 || res.Server.Port != 8080 || res.Server.Host != "speedtest.example.net" {
		t.Fatalf("unexpected server: %+v", res.Server)
	}
	if res.ISP != "Test ISP" {
		t.Fatalf("ISP = %q", res.ISP)
	}
	if res.Download.Latency.IQM != 13.502 {
		t.Fatalf("Download.Latency.IQM = %v", res.Download.Latency.IQM)
	}
	if res.Interface.ExternalIP != "203.0.113.7" || res.Interface.Name != "eth0" {
		t.Fatalf("unexpected interface: %+v", res.Interface)
	}
	if !strings.HasPrefix(res.ResultURL, "https://www.speedtest.net/result/") {
		t.Fatalf("ResultURL = %q", res.ResultURL)
	}
	if res.Timestamp.IsZero() {
		t.Fatal("Timestamp not parsed")
	}
}

func TestDecodeUnitArithmetic(t *testing.T) {
	cases := []struct {
		latency float64
		elapsed int64
	}{
		{latency: 0, elapsed: 0},
		{latency: 1, elapsed: 1},
		{latency: 8.5, elapsed: 1500},
		{latency: 250.125, elapsed: 12345},
	}
	for _, tc := range cases {
		p := Ping{Latency: tc.latency, Low: tc.latency, High: tc.latency, Jitter: tc.latency}
		tr := Transfer{Elapsed: tc.elapsed}
		if p.LatencySeconds() != tc.latency/1000.0 {
			t.Fatalf("LatencySeconds(%v) = %v", tc.latency, p.LatencySeconds())
		}
		if tr.ElapsedSeconds() != float64(tc.elapsed)/1000.0 {
			t.Fatalf("ElapsedSeconds(%d) = %v", tc.elapsed, tr.ElapsedSeconds())
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	full := string(readFixture(t))

	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "truncated", doc: full[:len(full)/2]},
		{name: "not json", doc: "Speedtest by Ookla\n"},
		{name: "trailing data", doc: full + "{}"},
		{name: "missing isp", doc: strings.Replace(full, `"isp": "Test ISP",`, "", 1)},
		{name: "missing upload", doc: `{"ping":{"jitter":1,"latency":1,"low":1,"high":1},"download":{"bandwidth":1,"bytes":1,"elapsed":1},"server":{"id":1,"name":"x"},"isp":"y"}`},
		{name: "missing ping.low", doc: strings.Replace(full, `"low": 12.192,`, "", 1)},
		{name: "type mismatch", doc: strings.Replace(full, `"bandwidth": 39924051`, `"bandwidth": "fast"`, 1)},
		{name: "null server id", doc: strings.Replace(full, `"id": 52365`, `"id": null`, 1)},
		{name: "missing server host", doc: strings.Replace(full, `"host": "speedtest.example.net",`, "", 1)},
		{name: "missing server port", doc: strings.Replace(full, `"port": 8080,`, "", 1)},
		{name: "missing download latency iqm", doc: strings.Replace(full, `"iqm": 13.502,`, "", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decode([]byte(tt.doc))
			if err == nil {
				t.Fatalf("expected error, got result %+v", res)
			}
			if res != nil {
				t.Fatalf("expected nil result on error, got %+v", res)
			}
		})
	}
}

func TestDecodeMissingFieldsListed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "top level",
			doc:  `{"ping":{"latency":1}}`,
			want: []string{"ping.jitter", "download", "upload", "server", "isp"},
		},
		{
			name: "nested",
			doc: `{"ping":{"jitter":1,"latency":1,"low":1,"high":1},` +
				`"download":{"bandwidth":1,"bytes":2,"elapsed":3},` +
				`"upload":{"bandwidth":1,"bytes":2,"elapsed":3,"latency":{"iqm":1,"low":1,"high":1}},` +
				`"server":{"id":1,"name":"x"},"isp":"i"}`,
			want: []string{
				"download.latency", "upload.latency.jitter",
				"server.location", "server.country", "server.host", "server.port", "server.ip",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decode([]byte(tt.doc))
			if err == nil {
				t.Fatalf("expected error, got %+v", res)
			}
			for _, want := range tt.want {
				if !strings.Contains(err.Error(), want) {
					t.Fatalf("error %q does not mention %s", err, want)
				}
			}
		})
	}
}
