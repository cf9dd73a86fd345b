/*
Copyright 2021 The Custodian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package publish

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const redialDelay = 10 * time.Second

// StreamResults subscribes to the runner's result topic over its
// websocket endpoint and hands every event to handle. The connection
// is redialed on failure until the context is cancelled; handler
// errors are logged, never fatal.
func StreamResults(ctx context.Context, wsURL string, log *logrus.Entry, handle func(map[string]interface{}) error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("url", wsURL)
	for ctx.Err() == nil {
		if err := streamOnce(ctx, wsURL, log, handle); err != nil && ctx.Err() == nil {
			log.WithError(err).Warning("Result stream broken; redialing.")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialDelay):
		}
	}
}

func streamOnce(ctx context.Context, wsURL string, log *logrus.Entry, handle func(map[string]interface{}) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	log.Info("Subscribed to result stream.")
	for {
		var event map[string]interface{}
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if err := handle(event); err != nil {
			log.WithError(err).Error("Failed to handle result event.")
		}
	}
}
