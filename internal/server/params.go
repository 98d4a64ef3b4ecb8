package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xiaocaoooo/html-fetch-worker/internal/fetch"
)

func parseBoolQuery(c *gin.Context, key string, defaultValue bool) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be boolean", key)
	}
	return b, nil
}

func parseIntQuery(c *gin.Context, key string, defaultValue int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be integer", key)
	}
	return i, nil
}

func parseRequestFromGET(c *gin.Context) (fetch.Request, error) {
	req := fetch.Request{
		URL:             c.Query("url"),
		WaitForSelector: c.Query("waitForSelector"),
		UserAgent:       c.Query("userAgent"),
	}

	var err error
	req.Delay, err = parseIntQuery(c, "delay", 0)
	if err != nil {
		return req, err
	}
	req.AntibotFallback, err = parseBoolQuery(c, "antibotFallback", false)
	if err != nil {
		return req, err
	}
	return req, nil
}

// parseRequest 只做形状上的解析，url/scheme 校验交给 fetch.Request.Validate。
func parseRequest(c *gin.Context) (fetch.Request, error) {
	if c.Request.Method == http.MethodGet {
		return parseRequestFromGET(c)
	}

	var req fetch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return req, fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return req, errors.New("invalid JSON body")
	}
	return req, nil
}
