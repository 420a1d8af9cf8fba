package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/stresscapture/internal/rpc"
	"github.com/gateway-fm/stresscapture/pkg/types"
)

// RPCResolver resolves blocks through chain_getBlockHash and chain_getBlock.
type RPCResolver struct {
	client rpc.Client
	logger *slog.Logger
}

// NewRPCResolver creates a resolver over an RPC client.
func NewRPCResolver(client rpc.Client, logger *slog.Logger) *RPCResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCResolver{client: client, logger: logger}
}

// BlockByNumber implements Resolver. The first extrinsic is decoded as the
// timestamp inherent; a block whose first extrinsic does not decode is still
// returned, without a timestamp.
func (r *RPCResolver) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	hash, err := r.client.GetBlockHash(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("chain_getBlockHash(%d): %w", number, err)
	}
	if hash == "" {
		return nil, ErrBlockNotFound
	}

	signed, err := r.client.GetBlock(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain_getBlock(%s): %w", hash, err)
	}
	if signed == nil {
		return nil, ErrBlockNotFound
	}

	block := &types.Block{
		Number:     number,
		Hash:       hash,
		Extrinsics: make([]types.Extrinsic, len(signed.Block.Extrinsics)),
	}
	for i, raw := range signed.Block.Extrinsics {
		block.Extrinsics[i] = types.Extrinsic{Data: raw}
	}
	if len(block.Extrinsics) > 0 {
		moment, err := DecodeTimestamp(block.Extrinsics[0].Data)
		if err != nil {
			r.logger.Warn("failed to decode timestamp inherent",
				slog.Uint64("block", number),
				slog.String("error", err.Error()),
			)
		} else {
			block.Extrinsics[0].Moment = &moment
		}
	}
	return block, nil
}
