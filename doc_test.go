package gqlink_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/ambiyansyah-risyal/gqlink"
)

func ExampleClient_Query() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"launch":{"id":"83","site":"KSC LC 39A"}}}`))
	}))
	defer server.Close()

	cfg := gqlink.DefaultEngineConfig()
	cfg.Listeners = []gqlink.RequestFinishedListener{}
	engine, err := gqlink.NewEngine(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer engine.Close()

	client, err := gqlink.New(engine,
		gqlink.WithServerURL(server.URL),
		gqlink.WithTokenProvider(gqlink.NewMemoryTokenStore("token")),
	)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer client.Close()

	req := gqlink.NewRequest(`query Launch($id: ID!) { launch(id: $id) { id site } }`).
		WithOperationName("Launch").
		Var("id", "83")
	resp, err := client.Query(context.Background(), req)
	if err != nil {
		fmt.Println(err)
		return
	}

	var data struct {
		Launch struct {
			ID   string `json:"id"`
			Site string `json:"site"`
		} `json:"launch"`
	}
	if err := resp.Decode(&data); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(data.Launch.ID, data.Launch.Site)
	// Output: 83 KSC LC 39A
}

func ExampleLinearReconnectPolicy() {
	policy := gqlink.DefaultReconnectPolicy()
	for attempt := 1; attempt <= 3; attempt++ {
		delay, reopen := policy.ReopenWhen(nil, attempt)
		fmt.Println(attempt, delay, reopen)
	}

	capped := &gqlink.LinearReconnectPolicy{Step: time.Second, MaxDelay: 2 * time.Second, MaxAttempts: 3}
	fmt.Println(capped.ReopenWhen(nil, 3))
	fmt.Println(capped.ReopenWhen(nil, 4))
	// Output:
	// 1 1s true
	// 2 2s true
	// 3 3s true
	// 2s true
	// 0s false
}
