package rpc

import (
	"net/http"
)

type tokenBalanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type tokenMetadataParams struct {
	Token string `json:"token"`
}

func (s *Server) handleTokenGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenBalanceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.TokenBalance(addr, params.Token)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	metadata, err := s.node.TokenMetadata(params.Token)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Address: formatAddress(addr),
		Token:   metadata.Symbol,
		Balance: bigString(balance),
	})
}

func (s *Server) handleTokenGetMetadata(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params tokenMetadataParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	metadata, err := s.node.TokenMetadata(params.Token)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, TokenMetadataResult{
		Symbol:   metadata.Symbol,
		Name:     metadata.Name,
		Decimals: metadata.Decimals,
	})
}
