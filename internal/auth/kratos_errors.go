package auth

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	kratosclient "github.com/ory/kratos-client-go"

	"github.com/hitoshi/bandstand/internal/model"
)

// KratosのUIメッセージID
// https://www.ory.sh/docs/kratos/concepts/ui-messages
const (
	kratosMsgInvalidCredentials  = 4000006
	kratosMsgDuplicateIdentifier = 4000007
	kratosMsgPasswordPolicy      = 4000005
)

// kratosFlowErrorBody はフロー更新失敗時のレスポンスボディ。
// UIノード単位のメッセージとフロー全体のメッセージの両方を見る。
type kratosFlowErrorBody struct {
	UI struct {
		Messages []kratosMessage `json:"messages"`
		Nodes    []struct {
			Messages []kratosMessage `json:"messages"`
		} `json:"nodes"`
	} `json:"ui"`
	RedirectBrowserTo string `json:"redirect_browser_to"`
}

type kratosMessage struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func (b *kratosFlowErrorBody) hasMessage(id int64) bool {
	for _, m := range b.UI.Messages {
		if m.ID == id {
			return true
		}
	}
	for _, n := range b.UI.Nodes {
		for _, m := range n.Messages {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// errorBody はkratos-client-goのエラーからレスポンスボディを取り出す。
func errorBody(err error) []byte {
	var apiErr *kratosclient.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Body()
	}
	return nil
}

func parseFlowError(err error) *kratosFlowErrorBody {
	body := &kratosFlowErrorBody{}
	if raw := errorBody(err); len(raw) > 0 {
		// 解析できないボディはメッセージなしとして扱う
		_ = json.Unmarshal(raw, body)
	}
	return body
}

// classifyKratosError はKratos呼び出しの失敗を型付きエラーに変換する。
// HTTPレスポンスがない場合は通信エラーとみなす。
// 400の意味は操作ごとに異なるため、ボディのメッセージIDで判別する。
func classifyKratosError(op string, err error, resp *http.Response) error {
	if resp == nil {
		return &model.NetworkError{Op: op, Err: err}
	}

	switch status := resp.StatusCode; {
	case status == http.StatusBadRequest:
		body := parseFlowError(err)
		switch {
		case body.hasMessage(kratosMsgDuplicateIdentifier):
			return model.NewAuthError(model.AuthConflict, err)
		case body.hasMessage(kratosMsgInvalidCredentials):
			return model.NewAuthError(model.AuthInvalidCredentials, err)
		case body.hasMessage(kratosMsgPasswordPolicy):
			return model.NewAuthError(model.AuthInvalidInput, err)
		case op == opSignIn:
			return model.NewAuthError(model.AuthInvalidCredentials, err)
		default:
			return model.NewAuthError(model.AuthInvalidInput, err)
		}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		if op == opSignIn {
			return model.NewAuthError(model.AuthInvalidCredentials, err)
		}
		return model.NewAuthError(model.AuthInvalidSession, err)
	case status == http.StatusConflict:
		return model.NewAuthError(model.AuthConflict, err)
	case status == http.StatusGone:
		// フローの期限切れ。ネイティブフローは毎回作り直すため通常は発生しない。
		return model.NewAuthError(model.AuthInvalidSession, err)
	case status == http.StatusUnprocessableEntity:
		return model.NewAuthError(model.AuthInvalidInput, err)
	case status == http.StatusTooManyRequests:
		return model.NewAuthError(model.AuthRateLimited, err)
	default:
		return model.NewAuthError(model.AuthProviderDown, err)
	}
}

func httpStatus(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
