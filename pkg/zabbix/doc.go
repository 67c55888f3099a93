// Package zabbix implements the minimal host-agent wire protocol: one
// length-prefixed request/response exchange per item key over TCP port
// 10050, with the ZBX_NOTSUPPORTED sentinel mapped to a logged nil value.
package zabbix
