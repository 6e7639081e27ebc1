package pipeline

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/ChikamsoChidebe/Photonx/internal/crypto"
	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
)

// validateShape is stage 1: required fields present, numeric ranges sane.
// Runs before any store access.
func (p *Pipeline) validateShape(msg model.Message) error {
	if msg.Channel() == "" {
		return photonerr.New(photonerr.KindShape, "missing channel_id")
	}
	if msg.TimestampMs() == 0 {
		return photonerr.New(photonerr.KindShape, "missing timestamp")
	}
	switch v := msg.(type) {
	case *model.QuoteRequest:
		return p.validateRequestShape(v)
	case *model.Quote:
		if v.QuoteID == "" {
			return photonerr.New(photonerr.KindShape, "missing quote_id")
		}
		if v.Price == nil || v.Price.IsZero() || v.Quantity == nil || v.Quantity.IsZero() {
			return photonerr.New(photonerr.KindShape, "price and quantity must be positive")
		}
		if !v.Side.Valid() {
			return photonerr.New(photonerr.KindShape, "invalid side %q", v.Side)
		}
		if v.LpFeeBps > p.chCfg.MaxFeeBps {
			return photonerr.New(photonerr.KindRange,
				"lp_fee_bps %d exceeds cap %d", v.LpFeeBps, p.chCfg.MaxFeeBps)
		}
		if v.ExpiryTimestamp == 0 {
			return photonerr.New(photonerr.KindShape, "missing expiry_timestamp")
		}
		return checkSig(v.Signature)
	case *model.Fill:
		if v.QuoteID == "" || v.FillID == "" {
			return photonerr.New(photonerr.KindShape, "missing quote_id or fill_id")
		}
		if v.Nonce == 0 {
			return photonerr.New(photonerr.KindShape, "missing nonce")
		}
		if v.Quantity == nil || v.Quantity.IsZero() || v.Price == nil || v.Price.IsZero() {
			return photonerr.New(photonerr.KindShape, "price and quantity must be positive")
		}
		if err := checkSig(v.TraderSignature); err != nil {
			return err
		}
		return checkSig(v.LPSignature)
	case *model.Cancel:
		if v.QuoteID == "" {
			return photonerr.New(photonerr.KindShape, "missing quote_id")
		}
		if v.Nonce == 0 {
			return photonerr.New(photonerr.KindShape, "missing nonce")
		}
		return checkSig(v.Signature)
	case *model.Replace:
		if v.OriginalQuoteID == "" {
			return photonerr.New(photonerr.KindShape, "missing original_quote_id")
		}
		if v.Nonce == 0 {
			return photonerr.New(photonerr.KindShape, "missing nonce")
		}
		if err := p.validateRequestShape(&v.NewQuoteRequest); err != nil {
			return err
		}
		return checkSig(v.Signature)
	case *model.Heartbeat:
		return checkSig(v.Signature)
	}
	return photonerr.New(photonerr.KindShape, "unknown message variant %T", msg)
}

func (p *Pipeline) validateRequestShape(v *model.QuoteRequest) error {
	if v.Nonce == 0 {
		return photonerr.New(photonerr.KindShape, "missing nonce")
	}
	if v.Quantity == nil || v.Quantity.IsZero() {
		return photonerr.New(photonerr.KindShape, "quantity must be positive")
	}
	if !v.Side.Valid() {
		return photonerr.New(photonerr.KindShape, "invalid side %q", v.Side)
	}
	if v.MaxSlippageBps > p.chCfg.MaxSlippageBps {
		return photonerr.New(photonerr.KindRange,
			"max_slippage_bps %d exceeds cap %d", v.MaxSlippageBps, p.chCfg.MaxSlippageBps)
	}
	return checkSig(v.Signature)
}

func checkSig(sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return photonerr.New(photonerr.KindShape,
			"signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	return nil
}

// validateSigners is stages 3 and 4: the claimed role must belong to the
// channel, and each signature must recover exactly the claimed address.
func (p *Pipeline) validateSigners(ch *model.Channel, msg model.Message) error {
	switch v := msg.(type) {
	case *model.QuoteRequest:
		return p.checkRoleSig(ch, v.Trader, ch.Trader, crypto.HashQuoteRequest(v), v.Signature, msg)
	case *model.Quote:
		return p.checkRoleSig(ch, v.LP, ch.LP, crypto.HashQuote(v), v.Signature, msg)
	case *model.Fill:
		hash := crypto.HashFill(v)
		if err := p.checkRoleSig(ch, v.Trader, ch.Trader, hash, v.TraderSignature, msg); err != nil {
			return err
		}
		return p.checkRoleSig(ch, v.LP, ch.LP, hash, v.LPSignature, msg)
	case *model.Cancel:
		return p.checkRoleSig(ch, v.Trader, ch.Trader, crypto.HashCancel(v), v.Signature, msg)
	case *model.Replace:
		return p.checkRoleSig(ch, v.Trader, ch.Trader, crypto.HashReplace(v), v.Signature, msg)
	case *model.Heartbeat:
		if !ch.IsParticipant(v.Sender) {
			return photonerr.New(photonerr.KindNotParticipant,
				"%s is not a participant", v.Sender.Hex()).WithChannel(ch.ID, 0)
		}
		return p.checkRoleSig(ch, v.Sender, v.Sender, crypto.HashHeartbeat(v), v.Signature, msg)
	}
	return photonerr.New(photonerr.KindShape, "unknown message variant %T", msg)
}

func (p *Pipeline) checkRoleSig(ch *model.Channel, claimed, expected common.Address, structHash common.Hash, sig []byte, msg model.Message) error {
	if claimed != expected {
		return photonerr.New(photonerr.KindNotParticipant,
			"claimed %s, channel role is %s", claimed.Hex(), expected.Hex()).WithChannel(ch.ID, msg.NonceClaim())
	}
	if err := crypto.VerifySigner(p.domain, structHash, sig, expected); err != nil {
		return photonerr.Wrap(photonerr.KindBadSignature, err, "%s signature", msg.MsgType()).WithChannel(ch.ID, msg.NonceClaim())
	}
	return nil
}

// precheckStatus is stage 2's status gate. Heartbeats also pass during
// checkpointing. The machine re-checks under the lock; this early reject
// spares the queue.
func precheckStatus(ch *model.Channel, msg model.Message) error {
	if ch.Status == model.StatusActive {
		return nil
	}
	if ch.Status == model.StatusCheckpointing && msg.MsgType() == model.MsgHeartbeat {
		return nil
	}
	return photonerr.New(photonerr.KindWrongStatus,
		"status %s does not accept %s", ch.Status, msg.MsgType()).WithChannel(ch.ID, msg.NonceClaim())
}
