// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package warpapi is a minimal client for the relay service's device
// registration endpoint: it submits a public key and receives the
// interface address assignment for the new tunnel.
package warpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"warpgen.dev/wgkey"
)

const (
	// DefaultBaseURL is the production registration API.
	DefaultBaseURL = "https://api.cloudflareclient.com"

	apiVersion = "v0a1925"

	// The API rejects unknown clients, so we present as the Android
	// client the endpoint was built for.
	userAgent = "okhttp/3.12.1"
)

// DefaultAddressV4 is assigned when the API response carries no
// interface address, which the service treats as the common default.
const DefaultAddressV4 = "172.16.0.2/32"

// Registration is the interface assignment returned for a newly
// registered key.
type Registration struct {
	// AddressV4 is the tunnel's IPv4 interface address in CIDR
	// notation with a /32 suffix.
	AddressV4 string
	// AddressV6 is the IPv6 interface address with a /128 suffix,
	// or empty if the API assigned none.
	AddressV6 string
	// Reserved is the client's reserved-bytes value, used by some
	// clients for routing hints. May be empty.
	Reserved []int
}

// Client registers keys against a registration API.
// The zero value uses DefaultBaseURL and a 15 second timeout.
type Client struct {
	// BaseURL overrides DefaultBaseURL, for tests.
	BaseURL string
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

type regRequest struct {
	Key         string `json:"key"`
	WarpEnabled bool   `json:"warp_enabled"`
	TOS         string `json:"tos"`
	Type        string `json:"type"`
	Locale      string `json:"locale"`
}

type regResponse struct {
	Config struct {
		Interface struct {
			Addresses struct {
				V4 string `json:"v4"`
				V6 string `json:"v6"`
			} `json:"addresses"`
		} `json:"interface"`
		ClientCfg struct {
			Reserved []int `json:"reserved"`
		} `json:"client_cfg"`
	} `json:"config"`
}

// Register submits pub to the registration API and returns the
// interface assignment. Any transport error or non-2xx status is
// returned as an error; the caller treats that as fatal to the current
// generation request and does not retry here.
func (c *Client) Register(ctx context.Context, pub wgkey.Key) (*Registration, error) {
	body, err := json.Marshal(regRequest{
		Key:         pub.String(),
		WarpEnabled: true,
		TOS:         "2024-01-01T00:00:00.000Z",
		Type:        "Android",
		Locale:      "en_US",
	})
	if err != nil {
		return nil, err
	}

	url := c.base() + "/" + apiVersion + "/reg"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("warpapi: register: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("warpapi: register: unexpected status %s", res.Status)
	}

	var parsed regResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("warpapi: register: decoding response: %w", err)
	}

	reg := &Registration{
		AddressV4: parsed.Config.Interface.Addresses.V4,
		AddressV6: parsed.Config.Interface.Addresses.V6,
		Reserved:  parsed.Config.ClientCfg.Reserved,
	}
	if reg.AddressV4 == "" {
		reg.AddressV4 = DefaultAddressV4
	}
	if !strings.HasSuffix(reg.AddressV4, "/32") {
		reg.AddressV4 += "/32"
	}
	if reg.AddressV6 != "" && !strings.HasSuffix(reg.AddressV6, "/128") {
		reg.AddressV6 += "/128"
	}
	return reg, nil
}
