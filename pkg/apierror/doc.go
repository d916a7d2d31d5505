// Package apierror 提供 AWS 风格的错误类型，用于所有服务的统一错误处理
//
// 错误响应格式支持 XML 和 JSON 两种格式：
//
//	XML 格式：
//	<Response>
//	    <Errors>
//	        <Error>
//	            <Code>InvalidInstanceID.NotFound</Code>
//	            <Message>The instance ID 'i-1a2b3c4d' does not exist</Message>
//	        </Error>
//	    </Errors>
//	    <RequestID>ea966190-f9aa-478e-9ede-example</RequestID>
//	</Response>
//
//	JSON 格式：
//	{
//	    "errors": [
//	        {
//	            "code": "InvalidInstanceID.NotFound",
//	            "message": "The instance ID 'i-1a2b3c4d' does not exist"
//	        }
//	    ],
//	    "requestID": "ea966190-f9aa-478e-9ede-example"
//	}
//
// 使用示例：
//
//	// 创建错误
//	err := apierror.NewError("InvalidInstanceID.NotFound", "The instance ID 'i-1a2b3c4d' does not exist")
//
//	// 创建错误响应
//	errorResp := apierror.NewErrorResponse("request-id", err)
//
//	// 在 gin 中使用
//	c.XML(http.StatusNotFound, errorResp)
//	// 或
//	c.JSON(http.StatusNotFound, errorResp)
//
// 预定义的管理 API 错误变量（可在代码中直接使用）：
//
//   - ErrDomainNotFound: 给定的 id 或名称没有对应的已注册域
//   - ErrElfNotFound: 给定名称没有对应的已注册 ELF
//   - ErrReplaceInFlight: 该域正在进行 replace 或 unload
//   - ErrInternalError: 管理 API 内部错误
//
// FromDerr 将 internal/domaind/derr.Error 转换为 *Error，按照 §7 的错误
// taxonomy（Validation/ResourceExhaustion/Policy/DomainCrash/
// NotImplemented）映射到对应的 HTTP 状态码：
//
//	func (a *API) getDomain(ctx *gin.Context) (domainSummary, error) {
//	    entry, err := a.lookup(ctx.Param("id"))
//	    if err != nil {
//	        return domainSummary{}, apierror.FromDerr(err)
//	    }
//	    return toSummary(entry), nil
//	}
//
// 使用示例：
//
//	// 直接使用预定义的错误
//	errorResp := apierror.NewErrorResponse("request-id", apierror.ErrDomainNotFound)
//
//	// 或创建自定义错误
//	err := apierror.NewError("CustomError", "Custom error message")
package apierror
