package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// authoritative read/write access to rundown documents. The engine
// treats the store as the source of truth when resolving version gaps.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentId string) (*Document, error)
	GetDocumentVersion(ctx context.Context, documentId string) (int64, error)
	PutDocument(ctx context.Context, document *Document) error
}

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// `DocumentStore` backed by the rundown HTTP api
type RundownApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewRundownApi(apiUrl string) *RundownApi {
	return NewRundownApiWithContext(context.Background(), apiUrl)
}

func NewRundownApiWithContext(ctx context.Context, apiUrl string) *RundownApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &RundownApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *RundownApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type GetDocumentCallback apiCallback[*GetDocumentResult]

type GetDocumentResult struct {
	Document *Document               `json:"document,omitempty"`
	Error    *GetDocumentResultError `json:"error,omitempty"`
}

type GetDocumentResultError struct {
	Message string `json:"message"`
}

func (self *RundownApi) GetDocumentAsync(documentId string, callback GetDocumentCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/rundown/document/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		callback,
	)
}

func (self *RundownApi) GetDocument(ctx context.Context, documentId string) (*Document, error) {
	result, err := get(
		ctx,
		fmt.Sprintf("%s/rundown/document/%s", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentResult{},
		NewNoopApiCallback[*GetDocumentResult](),
	)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, errors.New(result.Error.Message)
	}
	if result.Document == nil {
		return nil, fmt.Errorf("document not found: %s", documentId)
	}
	return result.Document, nil
}

type GetDocumentVersionCallback apiCallback[*GetDocumentVersionResult]

type GetDocumentVersionResult struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (self *RundownApi) GetDocumentVersionAsync(documentId string, callback GetDocumentVersionCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/rundown/document/%s/version", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentVersionResult{},
		callback,
	)
}

func (self *RundownApi) GetDocumentVersion(ctx context.Context, documentId string) (int64, error) {
	result, err := get(
		ctx,
		fmt.Sprintf("%s/rundown/document/%s/version", self.apiUrl, documentId),
		self.byJwt,
		&GetDocumentVersionResult{},
		NewNoopApiCallback[*GetDocumentVersionResult](),
	)
	if err != nil {
		return 0, err
	}
	return result.Version, nil
}

type PutDocumentCallback apiCallback[*PutDocumentResult]

type PutDocumentArgs struct {
	Document *Document `json:"document"`
}

type PutDocumentResult struct {
	Version int64                   `json:"version"`
	Error   *PutDocumentResultError `json:"error,omitempty"`
}

type PutDocumentResultError struct {
	Message string `json:"message"`
}

func (self *RundownApi) PutDocumentAsync(putDocument *PutDocumentArgs, callback PutDocumentCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/rundown/document/%s", self.apiUrl, putDocument.Document.Id),
		putDocument,
		self.byJwt,
		&PutDocumentResult{},
		callback,
	)
}

func (self *RundownApi) PutDocument(ctx context.Context, document *Document) error {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/rundown/document/%s", self.apiUrl, document.Id),
		&PutDocumentArgs{Document: document},
		self.byJwt,
		&PutDocumentResult{},
		NewNoopApiCallback[*PutDocumentResult](),
	)
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}
	document.Version = result.Version
	return nil
}

func (self *RundownApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
