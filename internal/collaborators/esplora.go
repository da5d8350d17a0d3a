package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcutil"
)

// EsploraHTTPClient is a minimal REST client for an Esplora-compatible
// Bitcoin indexer (the public esplora.io / mempool.space API shape). No
// example repo in the corpus ships an Esplora client library, so this
// talks the documented REST endpoints directly over net/http — the
// narrowest surface the faucet needs, not a general-purpose SDK.
type EsploraHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewEsploraHTTPClient builds a client against baseURL (e.g.
// "https://mempool.space/signet/api").
func NewEsploraHTTPClient(baseURL string) *EsploraHTTPClient {
	return &EsploraHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetFeerate returns the indexer's suggested feerate for confirmation
// within a few blocks, in satoshis-per-vbyte.
func (c *EsploraHTTPClient) GetFeerate(ctx context.Context) (float64, error) {
	var fees map[string]float64
	if err := c.getJSON(ctx, "/fee-estimates", &fees); err != nil {
		return 0, err
	}
	if rate, ok := fees["6"]; ok {
		return rate, nil
	}
	for _, rate := range fees {
		return rate, nil
	}
	return 0, fmt.Errorf("collaborators: esplora returned no fee estimates")
}

type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// GetUTXOs returns the spendable outputs controlled by descriptor. The
// faucet wallet holds a single address, so descriptor here is that
// address's string form.
func (c *EsploraHTTPClient) GetUTXOs(ctx context.Context, descriptor string) ([]UTXO, error) {
	var raw []esploraUTXO
	if err := c.getJSON(ctx, "/address/"+descriptor+"/utxo", &raw); err != nil {
		return nil, err
	}
	out := make([]UTXO, 0, len(raw))
	for _, u := range raw {
		var confirmations int64
		if u.Status.Confirmed {
			confirmations = 1
		}
		out = append(out, UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        btcutil.Amount(u.Value),
			Confirmations: confirmations,
		})
	}
	return out, nil
}

// Broadcast submits a raw signed transaction and returns its txid.
func (c *EsploraHTTPClient) Broadcast(ctx context.Context, txBytes []byte) (string, error) {
	hexBody := fmt.Sprintf("%x", txBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", bytes.NewBufferString(hexBody))
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("collaborators: esplora broadcast failed (%s): %s", resp.Status, string(body))
	}
	return string(bytes.TrimSpace(body)), nil
}

func (c *EsploraHTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("collaborators: esplora request to %s failed (%s): %s", path, resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
