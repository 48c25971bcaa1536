// Package client 是调度服务器HTTP接口的客户端实现，供宿主应用进程内嵌入使用。
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/packagewjx/resource-governor/pkg/governor"
	"github.com/pkg/errors"
)

const DefaultApiHostBaseUrl = "http://localhost:2300"

func NewApiClient(baseUrl string) governor.API {
	if baseUrl == "" {
		baseUrl = DefaultApiHostBaseUrl
	}
	return &apiClient{baseUrl: baseUrl}
}

var _ governor.API = &apiClient{}

type apiClient struct {
	baseUrl string
}

func (a *apiClient) GetStatus() (*governor.ResourceStatus, error) {
	dest := &governor.ResourceStatus{}
	err := a.getJson(a.baseUrl+"/status", dest)
	return dest, err
}

func (a *apiClient) GetProfile(game string) (*governor.GameProfile, error) {
	dest := &governor.GameProfile{}
	err := a.getJson(fmt.Sprintf("%s/games/%s/profile", a.baseUrl, url.PathEscape(game)), dest)
	return dest, err
}

func (a *apiClient) UpdateProfile(profile *governor.GameProfile) error {
	if profile == nil || profile.ProcessName == "" {
		return fmt.Errorf("配置的ProcessName不能为空")
	}

	body, err := json.Marshal(profile)
	if err != nil {
		return errors.Wrap(err, "序列化配置失败")
	}
	request, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/games/%s/profile", a.baseUrl, url.PathEscape(profile.ProcessName)),
		bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "构造请求失败")
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return errors.Wrap(err, "请求时出现异常")
	}
	defer func() {
		_ = response.Body.Close()
	}()
	return checkStatus(response)
}

func (a *apiClient) BeginSession(game string) error {
	response, err := http.Post(fmt.Sprintf("%s/games/%s/session", a.baseUrl, url.PathEscape(game)),
		"", nil)
	if err != nil {
		return errors.Wrap(err, "请求时出现异常")
	}
	defer func() {
		_ = response.Body.Close()
	}()
	return checkStatus(response)
}

func (a *apiClient) EndSession(game string) error {
	request, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/games/%s/session", a.baseUrl, url.PathEscape(game)), nil)
	if err != nil {
		return errors.Wrap(err, "构造请求失败")
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return errors.Wrap(err, "请求时出现异常")
	}
	if response.StatusCode == http.StatusConflict {
		_ = response.Body.Close()
		return governor.ErrNoActiveSession
	}
	defer func() {
		_ = response.Body.Close()
	}()
	return checkStatus(response)
}

func (a *apiClient) GetVariantReport(game string) (*governor.VariantReport, error) {
	dest := &governor.VariantReport{}
	err := a.getJson(fmt.Sprintf("%s/games/%s/variant", a.baseUrl, url.PathEscape(game)), dest)
	if err != nil {
		return nil, err
	}
	return dest, nil
}

func (a *apiClient) Evaluate() error {
	response, err := http.Post(a.baseUrl+"/evaluate", "", nil)
	if err != nil {
		return errors.Wrap(err, "请求时出现异常")
	}
	defer func() {
		_ = response.Body.Close()
	}()
	return checkStatus(response)
}

func (a *apiClient) getJson(requestUrl string, dest interface{}) error {
	response, err := http.Get(requestUrl)
	if err != nil {
		return errors.Wrap(err, "请求时出现异常")
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if err := checkStatus(response); err != nil {
		return err
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrap(err, "读取时出现异常")
	}

	err = json.Unmarshal(body, dest)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("解析json异常，json为\n%s", string(body)))
	}
	return nil
}

func checkStatus(response *http.Response) error {
	if response.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(response.Body)
	return fmt.Errorf("服务器返回状态码%d：%s", response.StatusCode, string(body))
}
