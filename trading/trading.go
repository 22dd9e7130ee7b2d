// Copyright 2025 Commonwealth Scientific and Industrial Research Organisation (CSIRO) ABN 41 687 119 230
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trading is a minimal order-submission facade, scoped to the
// single operation the streaming/backfill subsystem's testable properties
// exercise at the trading boundary: composing and submitting an OrderRequest
// with its advanced bracket-order legs, grounded on the reference trading
// client's request shape without replicating its full endpoint surface.
package trading

import (
	"context"

	"github.com/google/uuid"

	"github.com/ivcap-works/brokerclient-go/rest"
)

// OrderSide is the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects the order's execution style.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce selects how long an order remains active.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceOPG TimeInForce = "opg"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
	TimeInForceGTD TimeInForce = "gtd"
)

// OrderClass selects the order grouping semantics for advanced orders.
type OrderClass string

const (
	OrderClassSimple           OrderClass = "simple"
	OrderClassBracket          OrderClass = "bracket"
	OrderClassOneCancelsOther  OrderClass = "oco"
	OrderClassOneTriggersOther OrderClass = "oto"
)

// TakeProfitParams describes the take-profit leg of an advanced order.
type TakeProfitParams struct {
	LimitPrice string `json:"limit_price"`
}

// StopLossParams describes the stop-loss leg of an advanced order.
type StopLossParams struct {
	StopPrice  string `json:"stop_price,omitempty"`
	LimitPrice string `json:"limit_price,omitempty"`
}

// OrderRequest is the payload submitted to open a new position.
type OrderRequest struct {
	Symbol         string
	Side           OrderSide
	Type           OrderType
	TimeInForce    TimeInForce
	Quantity       string
	Notional       string
	LimitPrice     string
	StopPrice      string
	ClientOrderID  string
	ExtendedHours  bool
	OrderClass     OrderClass
	TakeProfit     *TakeProfitParams
	StopLoss       *StopLossParams
}

// wireOrderRequest mirrors the JSON field naming the reference trading
// client sends on the wire.
type wireOrderRequest struct {
	Symbol        string            `json:"symbol"`
	Side          OrderSide         `json:"side"`
	Type          OrderType         `json:"type"`
	TimeInForce   TimeInForce       `json:"time_in_force"`
	Qty           string            `json:"qty,omitempty"`
	Notional      string            `json:"notional,omitempty"`
	LimitPrice    string            `json:"limit_price,omitempty"`
	StopPrice     string            `json:"stop_price,omitempty"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	ExtendedHours bool              `json:"extended_hours,omitempty"`
	OrderClass    OrderClass        `json:"order_class,omitempty"`
	TakeProfit    *TakeProfitParams `json:"take_profit,omitempty"`
	StopLoss      *StopLossParams   `json:"stop_loss,omitempty"`
}

func (r OrderRequest) toWire() wireOrderRequest {
	side := r.Side
	if side == "" {
		side = OrderSideBuy
	}
	orderType := r.Type
	if orderType == "" {
		orderType = OrderTypeMarket
	}
	tif := r.TimeInForce
	if tif == "" {
		tif = TimeInForceDay
	}
	clientOrderID := r.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	return wireOrderRequest{
		Symbol:        r.Symbol,
		Side:          side,
		Type:          orderType,
		TimeInForce:   tif,
		Qty:           r.Quantity,
		Notional:      r.Notional,
		LimitPrice:    r.LimitPrice,
		StopPrice:     r.StopPrice,
		ClientOrderID: clientOrderID,
		ExtendedHours: r.ExtendedHours,
		OrderClass:    r.OrderClass,
		TakeProfit:    r.TakeProfit,
		StopLoss:      r.StopLoss,
	}
}

// Order is the order returned by the submit-order endpoint.
type Order struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	TimeInForce    string  `json:"time_in_force"`
	Status         string  `json:"status"`
	Qty            string  `json:"qty,omitempty"`
	FilledQty      string  `json:"filled_qty,omitempty"`
	FilledAvgPrice string  `json:"filled_avg_price,omitempty"`
	Legs           []Order `json:"legs,omitempty"`
}

// Client submits orders against the trading REST surface.
type Client struct {
	rest *rest.Client
}

// New wraps an existing REST client.
func New(r *rest.Client) *Client {
	return &Client{rest: r}
}

// SubmitOrder places a new order, assigning a random client-order-id (used
// as the idempotency key) when one isn't supplied.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var order Order
	err := c.rest.Do(ctx, "POST", "/v2/orders", nil, req.toWire(), &order)
	return order, err
}
