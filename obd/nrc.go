package obd

import "fmt"

// 负响应码 (Negative Response Code), ISO 14229-1
const (
	NRCGeneralReject                          = 0x10 // 一般拒绝
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14 // 响应过长
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24 // 请求顺序错误
	NRCRequestOutOfRange                      = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCResponsePending                        = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     = 0x7F // 服务在当前会话不支持
)

// NegativeResponseSID is the service id of every negative response.
const NegativeResponseSID = 0x7F

// PositiveResponseOffset is added to a request service id in its answer.
const PositiveResponseOffset = 0x40

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "general reject",
	NRCServiceNotSupported:                    "service not supported",
	NRCSubFunctionNotSupported:                "sub-function not supported",
	NRCIncorrectMessageLength:                 "incorrect message length or invalid format",
	NRCResponseTooLong:                        "response too long",
	NRCBusyRepeatRequest:                      "busy, repeat request",
	NRCConditionsNotCorrect:                   "conditions not correct",
	NRCRequestSequenceError:                   "request sequence error",
	NRCRequestOutOfRange:                      "request out of range",
	NRCSecurityAccessDenied:                   "security access denied",
	NRCResponsePending:                        "response pending",
	NRCSubFunctionNotSupportedInActiveSession: "sub-function not supported in active session",
	NRCServiceNotSupportedInActiveSession:     "service not supported in active session",
}

// NRCDescription returns the ISO name of nrc.
func NRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return fmt.Sprintf("unknown NRC 0x%02X", nrc)
}
