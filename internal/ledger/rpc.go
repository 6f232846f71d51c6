package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"golang.org/x/time/rate"
)

// RPCClient implements Ledger against the ledger's JSON-RPC endpoint.
type RPCClient struct {
	rpc     *rpc.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func Dial(ctx context.Context, url, authToken string, rps float64, timeout time.Duration) (*RPCClient, error) {
	var opts []rpc.ClientOption
	if token := strings.TrimSpace(authToken); token != "" {
		opts = append(opts, rpc.WithHeader("Authorization", "Bearer "+token))
	}
	c, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "dial ledger")
	}
	return NewRPCClient(c, rps, timeout), nil
}

func NewRPCClient(c *rpc.Client, rps float64, timeout time.Duration) *RPCClient {
	if rps <= 0 {
		rps = 20
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{rpc: c, limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1), timeout: timeout}
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) call(ctx context.Context, result interface{}, method string, params interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.External(err, "%s: rate limiter", method)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rpc.CallContext(ctx, result, method, params); err != nil {
		return domain.External(err, "%s", method)
	}
	return nil
}

type transferParams struct {
	To             string       `json:"to,omitempty"`
	From           string       `json:"from,omitempty"`
	EventID        string       `json:"eventId,omitempty"`
	Amount         *hexutil.Big `json:"amount,omitempty"`
	AssetRef       string       `json:"assetRef,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

func (c *RPCClient) Mint(ctx context.Context, to string, amount int64, key string) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, &r, "ledger_mint", transferParams{
		To:             to,
		Amount:         (*hexutil.Big)(ToBaseUnits(amount)),
		IdempotencyKey: key,
	})
	return r, err
}

func (c *RPCClient) Burn(ctx context.Context, amount int64, key string) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, &r, "ledger_burn", transferParams{
		Amount:         (*hexutil.Big)(ToBaseUnits(amount)),
		IdempotencyKey: key,
	})
	return r, err
}

func (c *RPCClient) EscrowTransfer(ctx context.Context, eventID uuid.UUID, owner string, amount int64, assetRef, key string) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, &r, "ledger_escrowTransfer", transferParams{
		To:             owner,
		EventID:        eventID.String(),
		Amount:         (*hexutil.Big)(ToBaseUnits(amount)),
		AssetRef:       assetRef,
		IdempotencyKey: key,
	})
	if err == nil && r.AssetToken == "" {
		err = domain.External(errors.New("missing asset token"), "ledger_escrowTransfer")
	}
	return r, err
}

type withdrawParams struct {
	EventID        string `json:"eventId"`
	Address        string `json:"address"`
	PayoutTarget   string `json:"payoutTarget"`
	Signature      string `json:"signature"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Withdraw is authorised by the receiver's custodial key over eventID|payoutTarget.
func (c *RPCClient) Withdraw(ctx context.Context, eventID uuid.UUID, id custodial.Identity, payoutTarget, key string) (Receipt, error) {
	sig, err := id.Sign([]byte(eventID.String() + "|" + payoutTarget))
	if err != nil {
		return Receipt{}, err
	}
	var r Receipt
	err = c.call(ctx, &r, "ledger_withdraw", withdrawParams{
		EventID:        eventID.String(),
		Address:        id.Address,
		PayoutTarget:   payoutTarget,
		Signature:      sig,
		IdempotencyKey: key,
	})
	return r, err
}

type balanceResult struct {
	Amount    *hexutil.Big `json:"amount"`
	Withdrawn bool         `json:"withdrawn"`
}

func (c *RPCClient) BalanceOf(ctx context.Context, eventID uuid.UUID, address string) (Balance, error) {
	var res balanceResult
	err := c.call(ctx, &res, "ledger_balanceOf", map[string]string{"eventId": eventID.String(), "address": address})
	if err != nil {
		return Balance{}, err
	}
	return Balance{Amount: FromBaseUnits((*big.Int)(res.Amount)), Withdrawn: res.Withdrawn}, nil
}

func (c *RPCClient) CompleteEvent(ctx context.Context, eventID uuid.UUID) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, &r, "ledger_completeEvent", map[string]string{"eventId": eventID.String()})
	return r, err
}

type activateParams struct {
	EventID     string   `json:"eventId"`
	Addresses   []string `json:"addresses"`
	BasisPoints []int64  `json:"basisPoints"`
}

func (c *RPCClient) ActivateEvent(ctx context.Context, eventID uuid.UUID, addresses []string, basisPoints []int64) (Receipt, error) {
	if len(addresses) != len(basisPoints) {
		return Receipt{}, errors.Newf("activate event: %d addresses for %d shares", len(addresses), len(basisPoints))
	}
	var r Receipt
	err := c.call(ctx, &r, "ledger_activateEvent", activateParams{
		EventID:     eventID.String(),
		Addresses:   addresses,
		BasisPoints: basisPoints,
	})
	return r, err
}

func (c *RPCClient) ClaimAsset(ctx context.Context, assetToken, owner, wallet string) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, &r, "ledger_claimAsset", map[string]string{"assetToken": assetToken, "from": owner, "to": wallet})
	return r, err
}
