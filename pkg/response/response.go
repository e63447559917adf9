package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
const (
	CodeOrderNotFound      = 1001
	CodeOrderStatusInvalid = 1002
	CodeOrderExpired       = 1003
	CodeOrderBusy          = 1004
	CodeChannelUnavailable = 1005
	CodeChannelTimeout     = 1006
	CodeAmountExhausted    = 1007
	CodeSessionMismatch    = 1008
	CodeSignatureInvalid   = 1009
)

// 核验被拒绝的原因码，data 里同时带订单快照
const (
	CodeInvalidReference = 1101
	CodeReferenceUsed    = 1102
	CodeAmountMismatch   = 1103
	CodeVerifyRejected   = 1104
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData 失败响应附带数据，例如核验被拒时返回订单当前状态
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
