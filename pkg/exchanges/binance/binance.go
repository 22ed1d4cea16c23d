// Package binance implements the venue adapter for Binance spot.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

const (
	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"

	defaultRecvWindow = int64(5000) // ms
	spotWeightLimit   = 1200       // weight per minute
)

// Client is a Binance spot adapter. It holds no credentials; every call
// signs with the pair handed to it, so one client serves all users.
type Client struct {
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	timeSync   *common.TimeSync
	weight     *common.WeightTracker
	log        *logrus.Entry
}

// New builds a Binance client; testnet toggles the host.
func New(testnet bool, log *logrus.Entry) *Client {
	base := mainnetURL
	if testnet {
		base = testnetURL
	}
	c := &Client{
		baseURL:    base,
		recvWindow: defaultRecvWindow,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		weight:     common.NewWeightTracker(spotWeightLimit, time.Minute),
		log:        log,
	}
	c.timeSync = common.NewTimeSync(c.serverTime, log)
	return c
}

// StartTimeSync keeps the signing clock aligned with the venue.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// Name identifies the venue.
func (c *Client) Name() string { return "binance" }

// Ping checks venue reachability without authentication.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/ping", nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("binance ping status %d", res.StatusCode)
	}
	return nil
}

// PlaceOrder submits a spot order on behalf of the credential owner.
func (c *Client) PlaceOrder(ctx context.Context, creds common.Credentials, req common.OrderRequest) (common.OrderResult, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return common.OrderResult{}, errors.New("binance: API key/secret required")
	}

	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Qty))
	if ordType == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params, creds)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		CumQuoteQty   string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	result := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}
	if qty, err := strconv.ParseFloat(resp.ExecutedQty, 64); err == nil {
		result.FilledQty = qty
		if quote, err := strconv.ParseFloat(resp.CumQuoteQty, 64); err == nil && qty > 0 {
			result.AvgPrice = quote / qty
		}
	}
	return result, nil
}

// ValidateCredentials performs an authenticated account probe.
func (c *Client) ValidateCredentials(ctx context.Context, creds common.Credentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}

	params := url.Values{}
	params.Set("omitZeroBalances", "true")
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", params, creds)
	if err != nil {
		return err
	}

	var resp struct {
		CanTrade bool `json:"canTrade"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode account response: %w", err)
	}
	if !resp.CanTrade {
		return &common.APIError{
			HTTPStatus: http.StatusOK,
			Code:       common.CodeInsufficientBalance,
			Message:    "account exists but trading is disabled",
			Venue:      c.Name(),
		}
	}
	return nil
}

// doSigned signs the query with the caller's secret and performs the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, creds common.Credentials) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	if c.timeSync.Offset() != 0 {
		timestamp = c.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	params.Set("signature", sign(params.Encode(), creds.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		// Binance expects signed params in the query string for GET/DELETE.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.weight.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	if c.weight.NearLimit() {
		used, limit, pct := c.weight.Usage()
		c.log.WithFields(logrus.Fields{
			"used": used, "limit": limit, "pct": fmt.Sprintf("%.1f", pct),
		}).Warn("request weight approaching venue ban threshold")
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, parseAPIError(res.StatusCode, body, c.Name())
	}
	return body, nil
}

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("server time status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// parseAPIError decodes Binance's {"code":-2010,"msg":"..."} body into a
// typed error so callers can classify it.
func parseAPIError(status int, body []byte, venue string) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == 0 {
		return &common.APIError{
			HTTPStatus: status,
			Message:    strings.TrimSpace(string(body)),
			Venue:      venue,
		}
	}
	return &common.APIError{
		HTTPStatus: status,
		Code:       payload.Code,
		Message:    payload.Msg,
		Venue:      venue,
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
