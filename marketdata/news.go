// Copyright 2025 Commonwealth Scientific and Industrial Research Organisation (CSIRO) ABN 41 687 119 230
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package marketdata

import (
	"context"
	"net/url"
	"strconv"

	"github.com/ivcap-works/brokerclient-go/pagination"
)

// NewsImage is an image attached to a news article.
type NewsImage struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
	Size    string `json:"size,omitempty"`
}

// NewsArticle is a single news article.
type NewsArticle struct {
	ID        string      `json:"id"`
	Headline  string      `json:"headline"`
	Author    string      `json:"author,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	Content   string      `json:"content,omitempty"`
	URL       string      `json:"url"`
	Source    string      `json:"source"`
	Symbols   []string    `json:"symbols,omitempty"`
	Images    []NewsImage `json:"images,omitempty"`
	CreatedAt string      `json:"created_at,omitempty"`
	UpdatedAt string      `json:"updated_at,omitempty"`
}

// NewsRequest parameterizes a news query.
type NewsRequest struct {
	Symbols   []string
	Start     string
	End       string
	Limit     int
	PageToken string
}

func (r NewsRequest) query() url.Values {
	v := url.Values{}
	if len(r.Symbols) > 0 {
		joined := ""
		for i, s := range r.Symbols {
			if i > 0 {
				joined += ","
			}
			joined += s
		}
		v.Set("symbols", joined)
	}
	if r.Start != "" {
		v.Set("start", r.Start)
	}
	if r.End != "" {
		v.Set("end", r.End)
	}
	if r.Limit > 0 {
		v.Set("limit", strconv.Itoa(r.Limit))
	}
	if r.PageToken != "" {
		v.Set("page_token", r.PageToken)
	}
	return v
}

type newsResponse struct {
	News          []NewsArticle `json:"news"`
	NextPageToken string        `json:"next_page_token"`
}

// GetNews fetches a single page of news articles.
func (c *Client) GetNews(ctx context.Context, req NewsRequest) ([]NewsArticle, string, error) {
	var resp newsResponse
	if err := c.rest.Do(ctx, "GET", "/v1beta1/news", req.query(), nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.News, resp.NextPageToken, nil
}

// NewsRange returns a lazily-fetched pagination.Range over the news
// endpoint, matching the reference client's news_range adaptor.
func (c *Client) NewsRange(ctx context.Context, req NewsRequest) *pagination.Range[NewsRequest, newsResponse, NewsArticle] {
	fetch := func(r NewsRequest) (newsResponse, error) {
		var resp newsResponse
		if err := c.rest.Do(ctx, "GET", "/v1beta1/news", r.query(), nil, &resp); err != nil {
			return newsResponse{}, err
		}
		return resp, nil
	}
	extract := func(p newsResponse) []NewsArticle { return p.News }
	getCursor := func(p newsResponse) (string, bool) { return p.NextPageToken, p.NextPageToken != "" }
	setCursor := func(r NewsRequest, token string) NewsRequest { r.PageToken = token; return r }

	return pagination.New(req, fetch, extract, getCursor, setCursor)
}
