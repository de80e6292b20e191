package syftclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openmined/syftbridge/pkg/syftrpc"
)

// DefaultServerURL is the public SyftBox relay.
const DefaultServerURL = "https://syftbox.net/"

// DefaultRelayTimeout bounds the wait for a relayed response when the
// request carries no deadline of its own.
const DefaultRelayTimeout = 30 * time.Second

// defaultRelayPollInterval is how often the transport polls the relay
// for the response message.
const defaultRelayPollInterval = time.Second

// sendMsgPath is the relay's message submission endpoint, relative to
// the server base URL.
const sendMsgPath = "api/v1/send/msg"

// RelayTransport is an http.RoundTripper that carries requests to a
// remote app through a SyftBox relay server: the request is posted to
// the relay's message API and the response is polled from the URL the
// relay hands back.
type RelayTransport struct {
	server   *url.URL
	appOwner string
	appName  string
	sender   string

	hc      *http.Client
	poll    time.Duration
	timeout time.Duration
}

// RelayTransportOption configures a RelayTransport.
type RelayTransportOption func(*RelayTransport)

// WithRelayHTTPClient overrides the HTTP client used to reach the
// relay server.
func WithRelayHTTPClient(hc *http.Client) RelayTransportOption {
	return func(t *RelayTransport) {
		if hc != nil {
			t.hc = hc
		}
	}
}

// WithRelayPollInterval overrides how often the relay is polled for the
// response.
func WithRelayPollInterval(d time.Duration) RelayTransportOption {
	return func(t *RelayTransport) {
		if d > 0 {
			t.poll = d
		}
	}
}

// WithRelayTimeout overrides the default wait applied to requests that
// carry no deadline. Default is DefaultRelayTimeout.
func WithRelayTimeout(d time.Duration) RelayTransportOption {
	return func(t *RelayTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// NewRelayTransport builds a transport for the app served from
// appOwner's datasite, reached through the relay at serverURL. An empty
// serverURL selects DefaultServerURL.
func NewRelayTransport(serverURL, appOwner, appName, sender string, opts ...RelayTransportOption) (*RelayTransport, error) {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}
	server, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay server url: %w", err)
	}
	if !server.IsAbs() {
		return nil, fmt.Errorf("relay server url %q is not absolute", serverURL)
	}

	t := &RelayTransport{
		server:   server,
		appOwner: appOwner,
		appName:  appName,
		sender:   sender,
		hc:       &http.Client{},
		poll:     defaultRelayPollInterval,
		timeout:  DefaultRelayTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RoundTrip submits req to the relay and polls for the answer. A
// deadline hit while waiting is not an error: the caller receives a
// synthesized 504 response with body {"error": "Timeout"}, matching
// what the relay itself reports for unreachable peers.
func (t *RelayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	ctx := req.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	res, err := t.sendMessage(ctx, req, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return timeoutResponse(req), nil
		}
		return nil, err
	}

	if res.StatusCode != http.StatusAccepted {
		// The relay answered outright, e.g. rejecting the message.
		// Buffer the body: the polling context ends with this call.
		raw, rerr := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if rerr != nil {
			return nil, fmt.Errorf("read relay response: %w", rerr)
		}
		res.Body = io.NopCloser(bytes.NewReader(raw))
		res.Request = req
		return res, nil
	}

	pollPath, err := pollURLFromAccept(res)
	if err != nil {
		return nil, err
	}

	return t.pollForResponse(ctx, req, pollPath)
}

// sendMessage posts the request body to the relay's message endpoint,
// addressed by the syft URL and described by x-syft metadata headers.
func (t *RelayTransport) sendMessage(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	sendURL := t.server.ResolveReference(&url.URL{Path: sendMsgPath})
	q := sendURL.Query()
	q.Set("syft-url", syftrpc.BuildURL(t.appOwner, t.appName, req.URL.Path).String())
	sendURL.RawQuery = q.Encode()

	relayReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}

	for k, values := range req.Header {
		if http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		for _, v := range values {
			relayReq.Header.Add(k, v)
		}
	}
	setIfAbsent(relayReq.Header, "Content-Type", "application/json")
	setIfAbsent(relayReq.Header, "X-Syft-Msg-Type", "request")
	setIfAbsent(relayReq.Header, "X-Syft-From", t.sender)
	setIfAbsent(relayReq.Header, "X-Syft-To", t.appOwner)
	setIfAbsent(relayReq.Header, "X-Syft-App", t.appName)
	setIfAbsent(relayReq.Header, "X-Syft-Appep", strings.TrimPrefix(req.URL.Path, "/"))
	setIfAbsent(relayReq.Header, "X-Syft-Method", req.Method)
	setIfAbsent(relayReq.Header, "X-Syft-Timeout", strconv.FormatInt(t.timeout.Milliseconds(), 10))

	return t.hc.Do(relayReq)
}

// pollURLFromAccept extracts data.poll_url from the relay's 202
// acknowledgement.
func pollURLFromAccept(res *http.Response) (string, error) {
	defer func() { _ = res.Body.Close() }()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read relay accept body: %w", err)
	}

	var accepted struct {
		Data struct {
			PollURL string `json:"poll_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return "", fmt.Errorf("decode relay accept body: %w", err)
	}
	if accepted.Data.PollURL == "" {
		return "", errors.New("relay accepted the message but returned no poll url")
	}
	return accepted.Data.PollURL, nil
}

// pollForResponse polls the relay until the peer's response message is
// available, then unwraps it. 202 and 404 both mean not-yet-answered.
func (t *RelayTransport) pollForResponse(ctx context.Context, req *http.Request, pollPath string) (*http.Response, error) {
	pollURL := t.server.ResolveReference(&url.URL{Path: strings.TrimPrefix(pollPath, "/")})

	for {
		relayReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build relay poll request: %w", err)
		}
		res, err := t.hc.Do(relayReq)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return timeoutResponse(req), nil
			}
			return nil, err
		}

		if res.StatusCode != http.StatusAccepted && res.StatusCode != http.StatusNotFound {
			return unwrapRelayResponse(req, res)
		}
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return timeoutResponse(req), nil
			}
			return nil, ctx.Err()
		case <-time.After(t.poll):
		}
	}
}

// unwrapRelayResponse digs the peer's answer out of the relay's nested
// data.message envelope and rebuilds it as the response to req.
// Content-Encoding is dropped since the body is re-serialized here.
func unwrapRelayResponse(req *http.Request, res *http.Response) (*http.Response, error) {
	defer func() { _ = res.Body.Close() }()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}

	var outer struct {
		Data struct {
			Message struct {
				Body       json.RawMessage   `json:"body"`
				StatusCode int               `json:"status_code"`
				Headers    map[string]string `json:"headers"`
			} `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}

	msg := outer.Data.Message
	if msg.StatusCode == 0 {
		return nil, errors.New("relay response carries no message status")
	}

	body := []byte(msg.Body)
	if len(body) == 0 {
		body = []byte("{}")
	}

	header := make(http.Header, len(msg.Headers))
	for k, v := range msg.Headers {
		if strings.EqualFold(k, "Content-Encoding") {
			continue
		}
		header.Set(k, v)
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", msg.StatusCode, http.StatusText(msg.StatusCode)),
		StatusCode:    msg.StatusCode,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// timeoutResponse is the 504 handed to callers when the peer does not
// answer in time.
func timeoutResponse(req *http.Request) *http.Response {
	body := []byte(`{"error": "Timeout"}`)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusGatewayTimeout, http.StatusText(http.StatusGatewayTimeout)),
		StatusCode:    http.StatusGatewayTimeout,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// CloseIdleConnections releases idle connections held against the
// relay server. http.Client.CloseIdleConnections forwards here.
func (t *RelayTransport) CloseIdleConnections() {
	t.hc.CloseIdleConnections()
}

func setIfAbsent(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

var _ http.RoundTripper = (*RelayTransport)(nil)
