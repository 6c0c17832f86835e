/************************************************************************************
 *
 * gatewire, A Lightweight Go client for bidirectional chat-platform gateways
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package gatewire

import (
	"io"
	"net/http"
)

/***********************
 *	  callWithData	   *
 ***********************/

// callWithData represents a REST API request returning typed decoded data.
type callWithData[T any] struct {
	requester       *requester
	log             LogFunc
	method          string
	endpoint        string
	body            []byte
	authNotRequired bool
	parse           func([]byte) (*T, error)
}

// wait executes the request synchronously and parses the response.
func (c *callWithData[T]) wait() (*T, error) {
	logAt(c.log, LogDebug, "rest", "calling endpoint: "+c.method+" "+c.endpoint)

	res, err := c.requester.do(c.method, c.endpoint, c.body, !c.authNotRequired)
	if err != nil {
		logAt(c.log, LogError, "rest", "request failed for "+c.method+" "+c.endpoint+": "+err.Error())
		return nil, err
	}
	defer res.Body.Close()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		logAt(c.log, LogError, "rest", "failed reading response body for "+c.method+" "+c.endpoint+": "+err.Error())
		return nil, err
	}

	data, err := c.parse(bodyBytes)
	if err != nil {
		logAt(c.log, LogError, "rest", "failed parsing response for "+c.method+" "+c.endpoint+": "+err.Error())
		return nil, wrapGatewayError(ErrInvalidRestResponse, "rest", c.method+" "+c.endpoint, err)
	}

	return data, nil
}

/***********************
 *       RestAPI       *
 ***********************/

// restApi is the Shard Manager's single REST collaborator: discovery of the
// gateway URL and topology, plus the generic Do passthrough (spec.md §1's
// "out of scope" boundary excludes the rest of the Discord REST surface from
// this module).
type restApi struct {
	requester *requester
	log       LogFunc
}

func newRestApi(requester *requester, token string, log LogFunc) *restApi {
	if requester == nil {
		requester = newRequester(nil, token, log)
	}
	return &restApi{requester: requester, log: log}
}

/***********************
 *   Gateway Endpoint  *
 ***********************/

// Do issues an arbitrary REST call through the same rate-limited transport
// getGatewayBot uses, for callers who need more of the API surface than
// this module's core scope covers.
func (r *restApi) Do(method, endpoint string, body []byte, authenticateWithToken bool) (*http.Response, error) {
	return r.requester.do(method, endpoint, body, authenticateWithToken)
}

// getGateway returns a callWithData for the unauthenticated GET /gateway
// endpoint.
func (r *restApi) getGateway() *callWithData[gateway] {
	return &callWithData[gateway]{
		requester:       r.requester,
		log:             r.log,
		method:          "GET",
		endpoint:        "/gateway",
		authNotRequired: true,
		parse: func(b []byte) (*gateway, error) {
			obj := gateway{}
			return &obj, obj.fillFromJson(b)
		},
	}
}

// getGatewayBot returns a callWithData for the authenticated GET
// /gateway/bot endpoint, the manager's topology and session-start-limit
// source.
func (r *restApi) getGatewayBot() *callWithData[gatewayBot] {
	return &callWithData[gatewayBot]{
		requester: r.requester,
		log:       r.log,
		method:    "GET",
		endpoint:  "/gateway/bot",
		parse: func(b []byte) (*gatewayBot, error) {
			obj := gatewayBot{}
			return &obj, obj.fillFromJson(b)
		},
	}
}

// getGatewayBotAt issues the same authenticated GET .../gateway/bot call
// against an arbitrary absolute URL instead of Discord's own endpoint, for
// a CustomGetGatewayBotURL override pointing discovery at a proxy (spec.md
// §6). It bypasses the requester's per-route bucket bookkeeping since the
// target isn't one of Discord's own bucketed routes.
func (r *restApi) getGatewayBotAt(url string) (*gatewayBot, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", r.requester.token)
	req.Header.Set("User-Agent", r.requester.userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := r.requester.client.Do(req)
	if err != nil {
		logAt(r.log, LogError, "rest", "custom gateway bot request failed for "+url+": "+err.Error())
		return nil, err
	}
	defer res.Body.Close()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	obj := &gatewayBot{}
	if err := obj.fillFromJson(bodyBytes); err != nil {
		logAt(r.log, LogError, "rest", "failed parsing custom gateway bot response from "+url+": "+err.Error())
		return nil, err
	}
	return obj, nil
}
