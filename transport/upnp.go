package transport

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UPnP service types that can create port mappings, in preference order.
var upnpServiceTypes = []string{
	"urn:schemas-upnp-org:service:WANIPConnection:2",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANPPPConnection:1",
}

const (
	ssdpAddr            = "239.255.255.250:1900"
	ssdpSearchTarget    = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	upnpDefaultTimeout  = 10 * time.Second
	upnpMaxResponseSize = 64 * 1024
)

// ErrNoGateway is returned when no port-mapping capable gateway is found.
var ErrNoGateway = errors.New("no UPnP gateway found")

// UPnPPortMapper maps the engine's port on an Internet Gateway Device. The
// gateway is discovered over SSDP on first use.
type UPnPPortMapper struct {
	client      *http.Client
	timeout     time.Duration
	description string
	lease       time.Duration

	mu          sync.Mutex
	location    string
	controlURL  string
	serviceType string
	localIP     net.IP
}

// UPnPOption configures a UPnPPortMapper.
type UPnPOption func(*UPnPPortMapper)

// WithGatewayLocation skips SSDP and uses the device description at location.
func WithGatewayLocation(location string) UPnPOption {
	return func(m *UPnPPortMapper) { m.location = location }
}

// WithUPnPTimeout bounds discovery and each SOAP request.
func WithUPnPTimeout(d time.Duration) UPnPOption {
	return func(m *UPnPPortMapper) { m.timeout = d }
}

// WithLeaseDuration sets the mapping lease; zero asks for a permanent one.
func WithLeaseDuration(d time.Duration) UPnPOption {
	return func(m *UPnPPortMapper) { m.lease = d }
}

// NewUPnPPortMapper creates a port mapper. description labels the mappings
// in the gateway's table.
func NewUPnPPortMapper(description string, opts ...UPnPOption) *UPnPPortMapper {
	m := &UPnPPortMapper{
		timeout:     upnpDefaultTimeout,
		description: description,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.client = &http.Client{Timeout: m.timeout}
	return m
}

// MapPort asks the gateway to forward port to this host.
func (m *UPnPPortMapper) MapPort(ctx context.Context, protocol string, port int) error {
	controlURL, serviceType, localIP, err := m.gateway(ctx)
	if err != nil {
		return err
	}
	args := []soapArg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", fmt.Sprint(port)},
		{"NewProtocol", strings.ToUpper(protocol)},
		{"NewInternalPort", fmt.Sprint(port)},
		{"NewInternalClient", localIP.String()},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", m.description},
		{"NewLeaseDuration", fmt.Sprint(int(m.lease.Seconds()))},
	}
	if _, err := m.soap(ctx, controlURL, serviceType, "AddPortMapping", args); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "UPnPPortMapper.MapPort",
		"protocol": protocol,
		"port":     port,
		"client":   localIP.String(),
	}).Info("Port mapped")
	return nil
}

// UnmapPort removes a mapping created by MapPort.
func (m *UPnPPortMapper) UnmapPort(ctx context.Context, protocol string, port int) error {
	controlURL, serviceType, _, err := m.gateway(ctx)
	if err != nil {
		return err
	}
	args := []soapArg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", fmt.Sprint(port)},
		{"NewProtocol", strings.ToUpper(protocol)},
	}
	_, err = m.soap(ctx, controlURL, serviceType, "DeletePortMapping", args)
	return err
}

// ExternalIP asks the gateway for its public address.
func (m *UPnPPortMapper) ExternalIP(ctx context.Context) (net.IP, error) {
	controlURL, serviceType, _, err := m.gateway(ctx)
	if err != nil {
		return nil, err
	}
	body, err := m.soap(ctx, controlURL, serviceType, "GetExternalIPAddress", nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Body struct {
			Response struct {
				IP string `xml:"NewExternalIPAddress"`
			} `xml:",any"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid GetExternalIPAddress response: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(env.Body.Response.IP))
	if ip == nil {
		return nil, fmt.Errorf("invalid external IP address %q", env.Body.Response.IP)
	}
	return ip, nil
}

// gateway returns the cached control endpoint, discovering it if needed.
func (m *UPnPPortMapper) gateway(ctx context.Context) (string, string, net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controlURL != "" {
		return m.controlURL, m.serviceType, m.localIP, nil
	}

	if m.location == "" {
		location, err := m.discover(ctx)
		if err != nil {
			return "", "", nil, err
		}
		m.location = location
	}
	controlURL, serviceType, err := m.describe(ctx, m.location)
	if err != nil {
		return "", "", nil, err
	}
	localIP, err := localAddressFor(m.location)
	if err != nil {
		return "", "", nil, err
	}
	m.controlURL, m.serviceType, m.localIP = controlURL, serviceType, localIP

	logrus.WithFields(logrus.Fields{
		"function":     "UPnPPortMapper.gateway",
		"location":     m.location,
		"control_url":  controlURL,
		"service_type": serviceType,
	}).Debug("UPnP gateway found")
	return controlURL, serviceType, localIP, nil
}

// discover sends an SSDP M-SEARCH and returns the first LOCATION header.
func (m *UPnPPortMapper) discover(ctx context.Context) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return "", err
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return "", fmt.Errorf("ssdp listen: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.timeout)
	}
	conn.SetDeadline(deadline)

	search := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		"ST: " + ssdpSearchTarget + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n\r\n"
	if _, err := conn.WriteTo([]byte(search), raddr); err != nil {
		return "", fmt.Errorf("ssdp search: %w", err)
	}

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoGateway, err)
		}
		if location, ok := parseSSDPLocation(buf[:n]); ok {
			return location, nil
		}
	}
}

func parseSSDPLocation(resp []byte) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(string(resp)))
	for scanner.Scan() {
		name, value, found := strings.Cut(scanner.Text(), ":")
		if found && strings.EqualFold(strings.TrimSpace(name), "location") {
			if v := strings.TrimSpace(value); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

type upnpDevice struct {
	Services []struct {
		ServiceType string `xml:"serviceType"`
		ControlURL  string `xml:"controlURL"`
	} `xml:"serviceList>service"`
	Devices []upnpDevice `xml:"deviceList>device"`
}

// describe fetches the device description and finds a port-mapping service.
func (m *UPnPPortMapper) describe(ctx context.Context, location string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch device description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch device description: %s", resp.Status)
	}

	var root struct {
		URLBase string     `xml:"URLBase"`
		Device  upnpDevice `xml:"device"`
	}
	if err := xml.NewDecoder(io.LimitReader(resp.Body, upnpMaxResponseSize)).Decode(&root); err != nil {
		return "", "", fmt.Errorf("parse device description: %w", err)
	}

	base := location
	if root.URLBase != "" {
		base = root.URLBase
	}
	for _, want := range upnpServiceTypes {
		if control, ok := findService(&root.Device, want); ok {
			u, err := resolveURL(base, control)
			if err != nil {
				return "", "", err
			}
			return u, want, nil
		}
	}
	return "", "", ErrNoGateway
}

func findService(d *upnpDevice, serviceType string) (string, bool) {
	for _, s := range d.Services {
		if strings.TrimSpace(s.ServiceType) == serviceType && s.ControlURL != "" {
			return strings.TrimSpace(s.ControlURL), true
		}
	}
	for i := range d.Devices {
		if control, ok := findService(&d.Devices[i], serviceType); ok {
			return control, true
		}
	}
	return "", false
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL: %w", err)
	}
	r, err := b.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid control URL: %w", err)
	}
	return r.String(), nil
}

// localAddressFor returns the local address used to reach the gateway.
func localAddressFor(location string) (net.IP, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("route to gateway: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

type soapArg struct {
	name, value string
}

// soap invokes action on the control URL and returns the response body.
func (m *UPnPPortMapper) soap(ctx context.Context, controlURL, serviceType, action string, args []soapArg) ([]byte, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	b.WriteString(`<s:Body><u:` + action + ` xmlns:u="` + serviceType + `">`)
	for _, a := range args {
		b.WriteString("<" + a.name + ">")
		xml.EscapeText(&b, []byte(a.value))
		b.WriteString("</" + a.name + ">")
	}
	b.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, strings.NewReader(b.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+serviceType+"#"+action+`"`)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, upnpMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed: %s", action, resp.Status)
	}
	return body, nil
}
