// cmd/reservation-cli/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"nexus-inventory/internal/pkg/httpclient"
	"nexus-inventory/internal/service/inventory/interfaces"
)

const usage = `usage: reservation-cli [-addr URL] <command> [flags]

commands:
  stock-set   -product P [-variant V] -on-hand N
  stock-get   -product P [-variant V]
  available   -product P [-variant V]
  reserve     -order O -product P [-variant V] -quantity N
  convert     -order O
  release     -order O
  list        -order O
  cleanup
`

func main() {
	addr := flag.String("addr", getEnv("INVENTORY_ADDR", "http://localhost:8082"), "inventory-service base URL")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client := httpclient.NewClient(*addr, otel.Tracer("reservation-cli"))
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, client, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "error (%d): %s\n", se.StatusCode, se.Message)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	}
}

func run(ctx context.Context, c *httpclient.Client, cmd string, args []string) (any, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	order := fs.String("order", "", "order id")
	product := fs.String("product", "", "product id")
	variant := fs.String("variant", "", "variant id")
	quantity := fs.Int("quantity", 0, "quantity to reserve")
	onHand := fs.Int("on-hand", 0, "on-hand quantity")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var query url.Values
	if *variant != "" {
		query = url.Values{"variantId": {*variant}}
	}
	orderPath := func(suffix string) (string, error) {
		if *order == "" {
			return "", errors.New("-order is required")
		}
		return "/orders/" + url.PathEscape(*order) + suffix, nil
	}
	stockPath := func(suffix string) (string, error) {
		if *product == "" {
			return "", errors.New("-product is required")
		}
		return "/stock/" + url.PathEscape(*product) + suffix, nil
	}

	switch cmd {
	case "stock-set":
		path, err := stockPath("")
		if err != nil {
			return nil, err
		}
		var resp interfaces.StockResponse
		body := interfaces.SetStockBody{VariantID: *variant, OnHandQuantity: *onHand}
		return &resp, c.Do(ctx, http.MethodPut, path, nil, body, &resp)

	case "stock-get":
		path, err := stockPath("")
		if err != nil {
			return nil, err
		}
		var resp interfaces.StockResponse
		return &resp, c.Do(ctx, http.MethodGet, path, query, nil, &resp)

	case "available":
		path, err := stockPath("/available")
		if err != nil {
			return nil, err
		}
		var resp interfaces.AvailableResponse
		return &resp, c.Do(ctx, http.MethodGet, path, query, nil, &resp)

	case "reserve":
		var resp interfaces.ReserveResponse
		body := interfaces.ReserveBody{OrderID: *order, ProductID: *product, VariantID: *variant, Quantity: *quantity}
		return &resp, c.Do(ctx, http.MethodPost, "/reservations", nil, body, &resp)

	case "convert", "release":
		path, err := orderPath("/" + cmd)
		if err != nil {
			return nil, err
		}
		var resp map[string]string
		return &resp, c.Do(ctx, http.MethodPost, path, nil, nil, &resp)

	case "list":
		path, err := orderPath("/reservations")
		if err != nil {
			return nil, err
		}
		var resp []interfaces.ReservationResponse
		return &resp, c.Do(ctx, http.MethodGet, path, nil, nil, &resp)

	case "cleanup":
		var resp interfaces.CleanupResponse
		return &resp, c.Do(ctx, http.MethodPost, "/admin/cleanup", nil, nil, &resp)

	default:
		return nil, errors.Errorf("unknown command %q", cmd)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
