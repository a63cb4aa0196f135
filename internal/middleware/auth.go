package middleware

import (
	"github.com/gin-gonic/gin"
)

// CallingPackageHeader 调用方包名
const CallingPackageHeader = "X-Calling-Package"

const callingPackageKey = "calling_package"

// CallingPackage 把调用方包名放入上下文。
// 这里不拒绝请求：未授权的调用方由各接口按协议返回空结果。
func CallingPackage() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(callingPackageKey, c.GetHeader(CallingPackageHeader))
		c.Next()
	}
}

// CallerOf 取出调用方包名
func CallerOf(c *gin.Context) string {
	return c.GetString(callingPackageKey)
}
