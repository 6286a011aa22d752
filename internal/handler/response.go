// Package handler 提供HTTP请求处理器
package handler

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/paiban/continuity/pkg/builder"
	"github.com/paiban/continuity/pkg/careplan"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 32 << 20

// ProblemRequest 问题输入：表格行（可附护理计划）或已构建的实例，二选一
type ProblemRequest struct {
	Input    *careplan.Dataset      `json:"input,omitempty"`
	Instance *model.ProblemInstance `json:"instance,omitempty"`
}

// resolve 得到待求解实例，表格行经构建器校验
func (p ProblemRequest) resolve(b *builder.Builder) (*model.ProblemInstance, error) {
	switch {
	case p.Input != nil && p.Instance != nil:
		return nil, errors.InvalidInput("input", "input 与 instance 只能提供一个")
	case p.Input != nil:
		rows, err := p.Input.Rows()
		if err != nil {
			return nil, err
		}
		return b.Build(rows)
	case p.Instance != nil:
		if p.Instance.DatasetID == "" {
			return nil, errors.InvalidInput("instance.dataset_id", "不能为空")
		}
		return p.Instance, nil
	}
	return nil, errors.InvalidInput("input", "缺少问题输入")
}

// seconds 将秒数转换为时长
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// decodeJSON 解析请求体
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.New(errors.CodeInvalidInput, "请求体为空")
		}
		return errors.Wrap(err, errors.CodeInvalidInput, "解析请求失败")
	}
	return nil
}

// respondJSON 返回JSON响应
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn().Err(err).Msg("写入响应失败")
	}
}

// respondError 返回错误响应
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.CodeInternal, "内部错误")
	}
	status := appErr.HTTPStatus
	if status >= http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("请求处理失败")
	}
	body := map[string]interface{}{
		"error":   true,
		"code":    appErr.Code,
		"message": appErr.Message,
	}
	if appErr.Details != "" {
		body["details"] = appErr.Details
	}
	if len(appErr.Fields) > 0 {
		body["fields"] = appErr.Fields
	}
	respondJSON(w, status, body)
}
