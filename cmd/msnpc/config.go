// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type config struct {
	Server struct {
		Address string `toml:"address"`
		TLS     bool   `toml:"tls"`
	} `toml:"server"`
	Account struct {
		Name   string `toml:"name"`
		Token  string `toml:"token"`
		Secret string `toml:"secret"`
	} `toml:"account"`
	Challenge struct {
		ID  string `toml:"id"`
		Key string `toml:"key"`
	} `toml:"challenge"`
	Directory struct {
		Membership  string `toml:"membership_url"`
		AddressBook string `toml:"address_book_url"`
		Storage     string `toml:"storage_url"`
	} `toml:"directory"`
	Cache struct {
		Path string `toml:"path"`
	} `toml:"cache"`
	Log struct {
		Debug bool `toml:"debug"`
	} `toml:"log"`
}

func loadConfig(path string) (config, error) {
	var c config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("decoding %s: %w", path, err)
	}
	if c.Server.Address == "" {
		return c, fmt.Errorf("%s: server.address is required", path)
	}
	if c.Account.Name == "" {
		return c, fmt.Errorf("%s: account.name is required", path)
	}
	return c, nil
}
