package market

import (
	"fmt"
	"strings"

	xerrors "AgentMarket/internal/errors"
)

// 市场原语返回的冲突信息，远端实现只需在错误文本中包含这些片段即可被识别。
const (
	MsgAlreadyClaimed    = "already claimed"
	MsgAlreadyVoted      = "already submitted oracle vote"
	MsgIneligibleVoter   = "ineligible voter"
	MsgAlreadyResolved   = "already resolved"
	MsgAlreadyAttested   = "already attested"
	MsgAlreadyChallenged = "already challenged"
	MsgWindowClosed      = "challenge window closed"
	MsgNotDisputed       = "not disputed"
	MsgMarketDisputed    = "market disputed"
	MsgMarketClosed      = "market closed"
	MsgMarketNotClosed   = "market not closed"
	MsgNotResolved       = "not resolved"
	MsgNoWinnings        = "no winnings"
	MsgNotAuthorized     = "not authorized"
	MsgInvalidOutcome    = "invalid outcome"
	MsgSameOutcome       = "same outcome"
	MsgNoAttestation     = "no attestation"
)

var expectedConflicts = []string{
	MsgAlreadyClaimed,
	MsgAlreadyVoted,
	MsgIneligibleVoter,
	MsgAlreadyResolved,
	MsgAlreadyAttested,
	MsgAlreadyChallenged,
	MsgWindowClosed,
	MsgNotDisputed,
}

// IsExpectedConflict 判断错误是否属于并发下可预期的冲突，这类错误按正常控制流吞掉。
func IsExpectedConflict(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.CodeOf(err) == xerrors.CodeConflict {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, pattern := range expectedConflicts {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// IsAlreadyClaimed 判断是否为重复领奖。
func IsAlreadyClaimed(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), MsgAlreadyClaimed)
}

func conflict(marketID, msg string) error {
	return xerrors.New(xerrors.CodeConflict, msg, xerrors.WithMetadata("market_id", marketID))
}

func invalid(marketID, msg string, args ...any) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return xerrors.New(xerrors.CodeInvalidArgument, msg, xerrors.WithMetadata("market_id", marketID))
}

func notFound(marketID string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("market %s not found", marketID),
		xerrors.WithMetadata("market_id", marketID))
}
