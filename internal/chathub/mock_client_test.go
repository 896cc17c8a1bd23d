package chathub_test

import "sync/atomic"

type MockClient struct {
	userID string
	runs   atomic.Int32
	closes atomic.Int32
}

func newMockClient(userID string) *MockClient {
	return &MockClient{userID: userID}
}

func (c *MockClient) GetUserID() string {
	return c.userID
}

func (c *MockClient) Run() {
	c.runs.Add(1)
}

func (c *MockClient) Close() {
	c.closes.Add(1)
}
