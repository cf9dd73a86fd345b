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

package pubsub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Topic subscribers are read-only dashboards; origin checks add
	// nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS returns a handler that upgrades the request to a websocket
// and streams every message published on the topic, JSON-encoded, until
// either side disconnects.
func ServeWS(topic *Topic, log *logrus.Entry) http.HandlerFunc {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).WithField("topic", topic.Name()).Debug("Websocket upgrade failed.")
			return
		}
		defer conn.Close()
		sub := topic.Subscribe()
		defer sub.Close()

		// Drain client frames so close and ping handling work; any
		// read error ends the subscription.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					sub.Close()
					return
				}
			}
		}()

		for msg := range sub.Chan() {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
