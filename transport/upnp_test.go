package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeviceDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>
        <deviceList>
          <device>
            <serviceList>
              <service>
                <serviceType>urn:schemas-upnp-org:service:WANCommonInterfaceConfig:1</serviceType>
                <controlURL>/other</controlURL>
              </service>
              <service>
                <serviceType>urn:schemas-upnp-org:service:WANIPConnection:1</serviceType>
                <controlURL>/ctl/ipconn</controlURL>
              </service>
            </serviceList>
          </device>
        </deviceList>
      </device>
    </deviceList>
  </device>
</root>`

type soapCall struct {
	action string
	body   string
}

type fakeGateway struct {
	server *httptest.Server

	mu    sync.Mutex
	calls []soapCall
}

func newFakeGateway(t *testing.T, description string) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, description)
	})
	mux.HandleFunc("/ctl/ipconn", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		action := r.Header.Get("SOAPAction")
		g.mu.Lock()
		g.calls = append(g.calls, soapCall{action: action, body: string(body)})
		g.mu.Unlock()
		if action == `"urn:schemas-upnp-org:service:WANIPConnection:1#GetExternalIPAddress"` {
			io.WriteString(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
<u:GetExternalIPAddressResponse xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">
<NewExternalIPAddress>203.0.113.7</NewExternalIPAddress>
</u:GetExternalIPAddressResponse></s:Body></s:Envelope>`)
		}
	})
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) recorded() []soapCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]soapCall(nil), g.calls...)
}

func TestUPnPMapAndUnmapPort(t *testing.T) {
	g := newFakeGateway(t, testDeviceDescription)
	m := NewUPnPPortMapper("peerdht", WithGatewayLocation(g.server.URL+"/desc.xml"), WithLeaseDuration(time.Hour))
	ctx := context.Background()

	require.NoError(t, m.MapPort(ctx, "udp", 6881))
	require.NoError(t, m.UnmapPort(ctx, "udp", 6881))

	calls := g.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, `"urn:schemas-upnp-org:service:WANIPConnection:1#AddPortMapping"`, calls[0].action)
	assert.Contains(t, calls[0].body, "<NewExternalPort>6881</NewExternalPort>")
	assert.Contains(t, calls[0].body, "<NewProtocol>UDP</NewProtocol>")
	assert.Contains(t, calls[0].body, "<NewInternalClient>127.0.0.1</NewInternalClient>")
	assert.Contains(t, calls[0].body, "<NewLeaseDuration>3600</NewLeaseDuration>")
	assert.Contains(t, calls[0].body, "<NewPortMappingDescription>peerdht</NewPortMappingDescription>")
	assert.Equal(t, `"urn:schemas-upnp-org:service:WANIPConnection:1#DeletePortMapping"`, calls[1].action)
	assert.NotContains(t, calls[1].body, "NewInternalClient")
}

func TestUPnPExternalIP(t *testing.T) {
	g := newFakeGateway(t, testDeviceDescription)
	m := NewUPnPPortMapper("peerdht", WithGatewayLocation(g.server.URL+"/desc.xml"))

	ip, err := m.ExternalIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip.String())
}

func TestUPnPNoMappingService(t *testing.T) {
	g := newFakeGateway(t, `<root><device><serviceList><service>
<serviceType>urn:schemas-upnp-org:service:Layer3Forwarding:1</serviceType>
<controlURL>/l3f</controlURL></service></serviceList></device></root>`)
	m := NewUPnPPortMapper("peerdht", WithGatewayLocation(g.server.URL+"/desc.xml"))

	err := m.MapPort(context.Background(), "udp", 6881)
	assert.ErrorIs(t, err, ErrNoGateway)
	assert.Empty(t, g.recorded())
}

func TestUPnPSOAPFailure(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, testDeviceDescription)
	})
	mux.HandleFunc("/ctl/ipconn", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflict", http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	m := NewUPnPPortMapper("peerdht", WithGatewayLocation(srv.URL+"/desc.xml"), WithUPnPTimeout(time.Second))
	err := m.MapPort(context.Background(), "udp", 6881)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AddPortMapping failed")
}

func TestParseSSDPLocation(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		ok       bool
	}{
		{"upper case", "HTTP/1.1 200 OK\r\nLOCATION: http://192.168.1.1:5000/rootDesc.xml\r\n\r\n", "http://192.168.1.1:5000/rootDesc.xml", true},
		{"lower case", "HTTP/1.1 200 OK\r\nlocation:http://10.0.0.1/desc\r\n", "http://10.0.0.1/desc", true},
		{"missing", "HTTP/1.1 200 OK\r\nST: upnp:rootdevice\r\n", "", false},
		{"empty value", "HTTP/1.1 200 OK\r\nLOCATION:\r\n", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseSSDPLocation([]byte(tt.response))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
